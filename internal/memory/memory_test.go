package memory

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestImageReadWrite(t *testing.T) {
	img := NewImage()
	if _, err := img.Map(0x1000, 64); err != nil {
		t.Fatal(err)
	}
	if _, err := img.Map(0x2000, 16); err != nil {
		t.Fatal(err)
	}

	if err := img.WriteWord(0x1038, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	v, err := img.ReadWord(0x1038)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xdeadbeef {
		t.Errorf("ReadWord = 0x%x", v)
	}

	tests := []struct {
		addr uint64
		want error
	}{
		{0x0ff8, ErrUnmapped},
		{0x1040, ErrUnmapped},
		{0x1004, ErrUnaligned},
		{0x2008, nil},
		{0x2010, ErrUnmapped},
	}
	for _, tt := range tests {
		_, err := img.ReadWord(tt.addr)
		if tt.want == nil {
			if err != nil {
				t.Errorf("ReadWord(0x%x): %v", tt.addr, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("ReadWord(0x%x) = %v, want %v", tt.addr, err, tt.want)
		}
	}
}

func TestImageOverlap(t *testing.T) {
	img := NewImage()
	if _, err := img.Map(0x1000, 0x100); err != nil {
		t.Fatal(err)
	}
	for _, base := range []uint64{0x0f80, 0x1000, 0x10f8} {
		if _, err := img.Map(base, 0x100); !errors.Is(err, ErrOverlap) {
			t.Errorf("Map(0x%x) = %v, want ErrOverlap", base, err)
		}
	}
	if _, err := img.Map(0x1100, 8); err != nil {
		t.Errorf("adjacent Map: %v", err)
	}
	if _, err := img.Map(0x3, 8); !errors.Is(err, ErrUnaligned) {
		t.Errorf("unaligned Map = %v", err)
	}
	segs := img.Segments()
	if len(segs) != 2 || segs[0].Base != 0x1000 || segs[1].Base != 0x1100 {
		t.Errorf("segments out of order")
	}
}

func TestMapFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stack.bin")
	data := make([]byte, 32)
	binary.LittleEndian.PutUint64(data[8:], 0x1234)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	img := NewImage()
	if _, err := img.MapFile(path, 0x7000); err != nil {
		t.Fatal(err)
	}
	defer img.Close()

	v, err := img.ReadWord(0x7008)
	if err != nil || v != 0x1234 {
		t.Fatalf("ReadWord = 0x%x, %v", v, err)
	}
	if err := img.WriteWord(0x7008, 7); err != nil {
		t.Fatal(err)
	}
	// Private mapping: the file keeps its contents.
	onDisk, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if binary.LittleEndian.Uint64(onDisk[8:]) != 0x1234 {
		t.Error("write reached the file")
	}
}

func TestLoadCoreRejectsNonELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core")
	if err := os.WriteFile(path, []byte("not an ELF file at all"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCore(path); !errors.Is(err, ErrNotELF) {
		t.Fatalf("LoadCore = %v, want ErrNotELF", err)
	}
}
