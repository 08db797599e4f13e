// Package memory models the target address space the stack walker reads:
// a set of word-addressable segments holding thread stacks and side tables.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"gcwalk/internal/arch"
)

var (
	ErrUnmapped  = errors.New("memory: address not mapped")
	ErrUnaligned = errors.New("memory: unaligned word access")
	ErrOverlap   = errors.New("memory: segment overlaps existing mapping")
)

// Reader reads pointer-sized words.
type Reader interface {
	ReadWord(addr uint64) (uint64, error)
}

// Memory reads and writes pointer-sized words.
type Memory interface {
	Reader
	WriteWord(addr, v uint64) error
}

// Segment is one contiguous mapped range.
type Segment struct {
	Base uint64
	Data []byte

	release func() error
}

// End returns the first address past the segment.
func (s *Segment) End() uint64 { return s.Base + uint64(len(s.Data)) }

// Image is a sparse little-endian address space.
type Image struct {
	segs []*Segment // sorted by Base, non-overlapping
}

// NewImage returns an empty address space.
func NewImage() *Image { return &Image{} }

// Map adds a zero-filled segment of size bytes at base.
func (m *Image) Map(base uint64, size int) (*Segment, error) {
	return m.MapBytes(base, make([]byte, size))
}

// MapBytes adds a segment backed by data. The image takes ownership of data.
func (m *Image) MapBytes(base uint64, data []byte) (*Segment, error) {
	return m.add(&Segment{Base: base, Data: data})
}

func (m *Image) add(seg *Segment) (*Segment, error) {
	if seg.Base%arch.PtrSize != 0 {
		return nil, fmt.Errorf("%w: segment base 0x%x", ErrUnaligned, seg.Base)
	}
	i := sort.Search(len(m.segs), func(i int) bool { return m.segs[i].Base >= seg.Base })
	if i > 0 && m.segs[i-1].End() > seg.Base {
		return nil, fmt.Errorf("%w: 0x%x", ErrOverlap, seg.Base)
	}
	if i < len(m.segs) && seg.End() > m.segs[i].Base {
		return nil, fmt.Errorf("%w: 0x%x", ErrOverlap, seg.Base)
	}
	m.segs = append(m.segs, nil)
	copy(m.segs[i+1:], m.segs[i:])
	m.segs[i] = seg
	return seg, nil
}

// Segments returns the mapped segments in address order.
func (m *Image) Segments() []*Segment { return m.segs }

func (m *Image) find(addr uint64) ([]byte, error) {
	if addr%arch.PtrSize != 0 {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnaligned, addr)
	}
	i := sort.Search(len(m.segs), func(i int) bool { return m.segs[i].End() > addr })
	if i == len(m.segs) || addr < m.segs[i].Base || addr+arch.PtrSize > m.segs[i].End() {
		return nil, fmt.Errorf("%w: 0x%x", ErrUnmapped, addr)
	}
	seg := m.segs[i]
	off := addr - seg.Base
	return seg.Data[off : off+arch.PtrSize], nil
}

// ReadWord reads the word at addr.
func (m *Image) ReadWord(addr uint64) (uint64, error) {
	b, err := m.find(addr)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// WriteWord stores v at addr.
func (m *Image) WriteWord(addr, v uint64) error {
	b, err := m.find(addr)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// Close releases file-backed segments.
func (m *Image) Close() error {
	var first error
	for _, s := range m.segs {
		if s.release == nil {
			continue
		}
		if err := s.release(); err != nil && first == nil {
			first = err
		}
		s.release = nil
	}
	return first
}
