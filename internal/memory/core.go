package memory

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	ErrNotELF  = errors.New("memory: not an ELF file")
	ErrNotCore = errors.New("memory: not an ELF core file")
	ErrNot64   = errors.New("memory: not a 64-bit little-endian ELF")
)

// LoadCore reads the PT_LOAD segments of an ELF core file into a new image.
// Segments without file data (Filesz == 0) are skipped; the zero-filled tail
// of a partially backed segment is mapped too.
func LoadCore(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("memory: open: %w", err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB {
		return nil, ErrNot64
	}
	if ef.Type != elf.ET_CORE {
		return nil, ErrNotCore
	}

	img := NewImage()
	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		data := make([]byte, p.Memsz)
		n := p.Filesz
		if n > p.Memsz {
			n = p.Memsz
		}
		if _, err := p.ReadAt(data[:n], 0); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("memory: read segment at 0x%x: %w", p.Vaddr, err)
		}
		if _, err := img.MapBytes(p.Vaddr, data); err != nil {
			return nil, err
		}
	}
	return img, nil
}
