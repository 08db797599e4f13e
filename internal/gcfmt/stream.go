// Frame-info stream reader and writer.
// Implements the variable-length integer encodings used by gcinfo blobs.
package gcfmt

import (
	"encoding/binary"
	"errors"
)

var (
	ErrStreamEOF     = errors.New("stream: unexpected end of data")
	ErrStreamOverrun = errors.New("stream: value too large")
)

// Stream reads frame-info data.
type Stream struct {
	data []byte
	pos  int
	end  int
}

// NewStream creates a stream over the given data.
func NewStream(data []byte) *Stream {
	return &Stream{data: data, pos: 0, end: len(data)}
}

// NewStreamAt creates a stream starting at offset within data.
func NewStreamAt(data []byte, offset int) *Stream {
	if offset > len(data) {
		offset = len(data)
	}
	return &Stream{data: data, pos: offset, end: len(data)}
}

// Position returns the current read position.
func (s *Stream) Position() int { return s.pos }

// SetPosition sets the read position.
func (s *Stream) SetPosition(pos int) {
	if pos > s.end {
		pos = s.end
	}
	s.pos = pos
}

// Remaining returns bytes left to read.
func (s *Stream) Remaining() int { return s.end - s.pos }

// ReadByte reads a single byte.
func (s *Stream) ReadByte() (byte, error) {
	if s.pos >= s.end {
		return 0, ErrStreamEOF
	}
	b := s.data[s.pos]
	s.pos++
	return b, nil
}

// ReadUint16 reads a little-endian uint16.
func (s *Stream) ReadUint16() (uint16, error) {
	if s.pos+2 > s.end {
		return 0, ErrStreamEOF
	}
	v := binary.LittleEndian.Uint16(s.data[s.pos:])
	s.pos += 2
	return v, nil
}

// Skip advances the position by n bytes.
func (s *Stream) Skip(n int) error {
	if n < 0 || s.pos+n > s.end {
		return ErrStreamEOF
	}
	s.pos += n
	return nil
}

// Variable-length integer encoding constants.
const (
	dataBitsPerByte        = 7
	byteMask               = (1 << dataBitsPerByte) - 1 // 0x7f
	maxUnsignedDataPerByte = byteMask                   // 127

	// Unsigned end marker: final byte encodes 7 unsigned bits (0-127).
	endUnsignedByteMarker = 255 - maxUnsignedDataPerByte // 128

	// Signed end marker: final byte encodes 7 signed bits (-64..63).
	minDataPerByte = -(1 << (dataBitsPerByte - 1)) // -64
	maxDataPerByte = (^byte(0x40)) & byteMask      // 63
	endByteMarker  = 255 - maxDataPerByte          // 192
)

// ReadUnsigned reads an unsigned variable-length integer.
//
// Each byte carries 7 bits of data in little-endian order.
// A byte > 127 is the last one and contributes byte - 128.
func (s *Stream) ReadUnsigned() (uint64, error) {
	b, err := s.ReadByte()
	if err != nil {
		return 0, err
	}
	if b > maxUnsignedDataPerByte {
		return uint64(b) - endUnsignedByteMarker, nil
	}

	var r uint64
	var shift uint
	for {
		r |= uint64(b) << shift
		shift += dataBitsPerByte
		b, err = s.ReadByte()
		if err != nil {
			return 0, err
		}
		if b > maxUnsignedDataPerByte {
			r |= uint64(b-endUnsignedByteMarker) << shift
			return r, nil
		}
		if shift >= 63 {
			return 0, ErrStreamOverrun
		}
	}
}

// ReadTagged reads a signed variable-length integer. Same structure as
// ReadUnsigned but the terminator subtracts 192, giving the final byte a
// signed range of -64..63.
func (s *Stream) ReadTagged() (int64, error) {
	b, err := s.ReadByte()
	if err != nil {
		return 0, err
	}
	if b > maxUnsignedDataPerByte {
		return int64(b) - int64(endByteMarker), nil
	}

	var r int64
	var shift uint
	for {
		r |= int64(b) << shift
		shift += dataBitsPerByte
		b, err = s.ReadByte()
		if err != nil {
			return 0, err
		}
		if b > maxUnsignedDataPerByte {
			r |= (int64(b) - int64(endByteMarker)) << shift
			return r, nil
		}
		if shift >= 63 {
			return 0, ErrStreamOverrun
		}
	}
}

// Writer appends data in the Stream encoding.
type Writer struct {
	buf []byte
}

// Bytes returns the encoded data. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// WriteByte appends one byte. It never fails.
func (w *Writer) WriteByte(b byte) error {
	w.buf = append(w.buf, b)
	return nil
}

// WriteUint16 appends a little-endian uint16.
func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// WriteUnsigned appends v in the ReadUnsigned encoding.
func (w *Writer) WriteUnsigned(v uint64) {
	for v > maxUnsignedDataPerByte {
		w.buf = append(w.buf, byte(v&byteMask))
		v >>= dataBitsPerByte
	}
	w.buf = append(w.buf, byte(v+endUnsignedByteMarker))
}

// WriteTagged appends v in the ReadTagged encoding.
func (w *Writer) WriteTagged(v int64) {
	for v < minDataPerByte || v > int64(maxDataPerByte) {
		w.buf = append(w.buf, byte(v&byteMask))
		v >>= dataBitsPerByte
	}
	w.buf = append(w.buf, byte(v+int64(endByteMarker)))
}
