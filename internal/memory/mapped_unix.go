//go:build unix

package memory

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapFile maps a raw stack image at base. The mapping is private, so writes
// (hijacks, relocated references) never reach the file.
func (m *Image) MapFile(path string, base uint64) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("memory: open: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("memory: stat: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("memory: %s is empty", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap %s: %w", path, err)
	}
	seg, err := m.add(&Segment{
		Base:    base,
		Data:    data,
		release: func() error { return unix.Munmap(data) },
	})
	if err != nil {
		unix.Munmap(data)
		return nil, err
	}
	return seg, nil
}
