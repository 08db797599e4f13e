package gcinfo

import (
	"fmt"

	"github.com/sigurn/crc16"

	"gcwalk/internal/arch"
	"gcwalk/internal/gcfmt"
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Blob layout:
//
//	magic      'G' 'C'
//	version    byte
//	flags      unsigned
//	frameSize  unsigned
//	savedRegs  unsigned (arch.RegMask)
//	prologSize unsigned
//	retKind    unsigned
//	rpiOffset  tagged, only with FlagReversePInvoke
//	epilogs    unsigned count, then (start delta, size) unsigned pairs
//	callsites  unsigned count, then per callsite: offset delta, slot count,
//	           slots as descriptor byte + register byte or tagged offset
//	crc        uint16 LE, CRC-16/CCITT-FALSE over everything before it
const (
	slotKindMask  = 0x03
	slotBaseShift = 2
	slotBaseMask  = 0x03
	crcSize       = 2
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// open checks the CRC trailer, magic and version, and returns a stream
// over the blob without its trailer, positioned at the flags.
func open(blob []byte) (*gcfmt.Stream, error) {
	if len(blob) < len(magic)+1+crcSize {
		return nil, malformed("blob too short (%d bytes)", len(blob))
	}
	n := len(blob) - crcSize
	trailer := gcfmt.NewStream(blob)
	trailer.SetPosition(n)
	want, err := trailer.ReadUint16()
	if err != nil {
		return nil, malformed("crc: %v", err)
	}
	if got := crc16.Checksum(blob[:n], crcTable); got != want {
		return nil, malformed("crc 0x%04x, want 0x%04x", got, want)
	}
	if blob[0] != magic[0] || blob[1] != magic[1] {
		return nil, malformed("bad magic %02x%02x", blob[0], blob[1])
	}
	s := gcfmt.NewStream(blob[:n])
	if err := s.Skip(len(magic)); err != nil {
		return nil, malformed("magic: %v", err)
	}
	v, err := s.ReadByte()
	if err != nil {
		return nil, malformed("version: %v", err)
	}
	if v != Version {
		return nil, malformed("unsupported version %d", v)
	}
	return s, nil
}

func readU32(s *gcfmt.Stream, what string) (uint32, error) {
	v, err := s.ReadUnsigned()
	if err != nil {
		return 0, malformed("%s at %d: %v", what, s.Position(), err)
	}
	if v > 0xffffffff {
		return 0, malformed("%s at %d: value 0x%x too large", what, s.Position(), v)
	}
	return uint32(v), nil
}

// Decode parses a frame-info blob. It is a pure function of the bytes and
// validates the auxiliary tables, so later table reads can trust the layout.
func Decode(blob []byte) (Header, error) {
	s, err := open(blob)
	if err != nil {
		return Header{}, err
	}

	var h Header
	flags, err := readU32(s, "flags")
	if err != nil {
		return Header{}, err
	}
	h.Flags = Flags(flags)
	if h.FrameSize, err = readU32(s, "frame size"); err != nil {
		return Header{}, err
	}
	mask, err := readU32(s, "saved registers")
	if err != nil {
		return Header{}, err
	}
	h.SavedRegs = arch.RegMask(mask)
	if mask > 0xffff || !h.SavedRegs.Valid() {
		return Header{}, malformed("saved register mask 0x%x", mask)
	}
	if h.PrologSize, err = readU32(s, "prolog size"); err != nil {
		return Header{}, err
	}
	rk, err := readU32(s, "return kind")
	if err != nil {
		return Header{}, err
	}
	if rk > uint32(ReturnByref) {
		return Header{}, malformed("return kind %d", rk)
	}
	h.ReturnKind = ReturnKind(rk)
	if h.HasReversePInvoke() {
		off, err := s.ReadTagged()
		if err != nil {
			return Header{}, malformed("reverse pinvoke offset: %v", err)
		}
		h.ReversePInvokeOffset = off
	}

	if err := checkShape(h); err != nil {
		return Header{}, err
	}

	epilogCount, err := readU32(s, "epilog count")
	if err != nil {
		return Header{}, err
	}
	h.EpilogTableOffset = s.Position()
	h.EpilogCount = int(epilogCount)
	if _, err := readEpilogs(s, h); err != nil {
		return Header{}, err
	}

	callsiteCount, err := readU32(s, "callsite count")
	if err != nil {
		return Header{}, err
	}
	h.CallsiteOffset = s.Position()
	h.CallsiteCount = int(callsiteCount)
	err = scanCallsites(s, h, func(Callsite) bool { return true })
	if err != nil {
		return Header{}, err
	}
	if s.Remaining() != 0 {
		return Header{}, malformed("%d trailing bytes", s.Remaining())
	}
	return h, nil
}

func checkShape(h Header) error {
	if h.FrameSize%arch.StackAlign != 0 {
		return malformed("frame size %d not %d-aligned", h.FrameSize, arch.StackAlign)
	}
	if h.FrameSize < h.SaveAreaSize() {
		return malformed("frame size %d smaller than save area %d", h.FrameSize, h.SaveAreaSize())
	}
	if h.HasFramePointer() && !(h.SavedRegs.Has(arch.FP) && h.SavedRegs.Has(arch.LR)) {
		return malformed("frame pointer without saved fp/lr")
	}
	if h.PrologSize < h.CanonicalPrologSize() {
		return malformed("prolog size %d shorter than canonical %d", h.PrologSize, h.CanonicalPrologSize())
	}
	return nil
}

func readEpilogs(s *gcfmt.Stream, h Header) ([]Epilog, error) {
	want := h.CanonicalEpilogSize()
	out := make([]Epilog, 0, h.EpilogCount)
	var end uint64
	for i := 0; i < h.EpilogCount; i++ {
		delta, err := s.ReadUnsigned()
		if err != nil {
			return nil, malformed("epilog %d start: %v", i, err)
		}
		size, err := s.ReadUnsigned()
		if err != nil {
			return nil, malformed("epilog %d size: %v", i, err)
		}
		start := end + delta
		if size != uint64(want) {
			return nil, malformed("epilog %d size %d, canonical %d", i, size, want)
		}
		if start < uint64(h.PrologSize) {
			return nil, malformed("epilog %d at 0x%x inside prolog", i, start)
		}
		if start+size > 0xffffffff {
			return nil, malformed("epilog %d out of range", i)
		}
		out = append(out, Epilog{Start: uint32(start), Size: uint32(size)})
		end = start + size
	}
	return out, nil
}

// scanCallsites walks the callsite table, stopping early when fn returns false.
func scanCallsites(s *gcfmt.Stream, h Header, fn func(Callsite) bool) error {
	var offset uint64
	for i := 0; i < h.CallsiteCount; i++ {
		delta, err := s.ReadUnsigned()
		if err != nil {
			return malformed("callsite %d offset: %v", i, err)
		}
		if i > 0 && delta == 0 {
			return malformed("callsite %d offset not increasing", i)
		}
		offset += delta
		if offset > 0xffffffff {
			return malformed("callsite %d offset out of range", i)
		}
		n, err := s.ReadUnsigned()
		if err != nil {
			return malformed("callsite %d slot count: %v", i, err)
		}
		if n > uint64(s.Remaining()) {
			return malformed("callsite %d slot count %d exceeds data", i, n)
		}
		cs := Callsite{Offset: uint32(offset), Slots: make([]Slot, 0, n)}
		for j := uint64(0); j < n; j++ {
			slot, err := readSlot(s)
			if err != nil {
				return fmt.Errorf("callsite %d slot %d: %w", i, j, err)
			}
			cs.Slots = append(cs.Slots, slot)
		}
		if !fn(cs) {
			return nil
		}
	}
	return nil
}

func readSlot(s *gcfmt.Stream) (Slot, error) {
	desc, err := s.ReadByte()
	if err != nil {
		return Slot{}, malformed("slot descriptor: %v", err)
	}
	kind := RefKind(desc & slotKindMask)
	base := SlotBase((desc >> slotBaseShift) & slotBaseMask)
	if desc>>(slotBaseShift+2) != 0 || kind > RefPinned || base > BaseFP {
		return Slot{}, malformed("slot descriptor 0x%02x", desc)
	}
	slot := Slot{Kind: kind, Base: base}
	if base == BaseRegister {
		r, err := s.ReadByte()
		if err != nil {
			return Slot{}, malformed("slot register: %v", err)
		}
		if !arch.Reg(r).Valid() {
			return Slot{}, malformed("slot register %d", r)
		}
		slot.Reg = arch.Reg(r)
		return slot, nil
	}
	off, err := s.ReadTagged()
	if err != nil {
		return Slot{}, malformed("slot offset: %v", err)
	}
	if off%arch.PtrSize != 0 {
		return Slot{}, malformed("slot offset %d not pointer-aligned", off)
	}
	slot.Offset = off
	return slot, nil
}

func tableStream(blob []byte, offset int) (*gcfmt.Stream, error) {
	if len(blob) < crcSize || offset < 0 || offset > len(blob)-crcSize {
		return nil, malformed("table offset %d outside %d-byte blob", offset, len(blob))
	}
	return gcfmt.NewStreamAt(blob[:len(blob)-crcSize], offset), nil
}

// DecodeEpilogTable reads the epilog windows of a decoded blob.
func DecodeEpilogTable(blob []byte, h Header) ([]Epilog, error) {
	s, err := tableStream(blob, h.EpilogTableOffset)
	if err != nil {
		return nil, err
	}
	return readEpilogs(s, h)
}

// FindCallsite returns the live slots recorded for codeOffset.
// ok is false if the table has no entry for it.
func FindCallsite(blob []byte, h Header, codeOffset uint32) (cs Callsite, ok bool, err error) {
	s, err := tableStream(blob, h.CallsiteOffset)
	if err != nil {
		return Callsite{}, false, err
	}
	err = scanCallsites(s, h, func(c Callsite) bool {
		if c.Offset < codeOffset {
			return true
		}
		if c.Offset == codeOffset {
			cs, ok = c, true
		}
		return false
	})
	return cs, ok, err
}

// Callsites returns the full callsite table.
func Callsites(blob []byte, h Header) ([]Callsite, error) {
	s, err := tableStream(blob, h.CallsiteOffset)
	if err != nil {
		return nil, err
	}
	var out []Callsite
	err = scanCallsites(s, h, func(c Callsite) bool {
		out = append(out, c)
		return true
	})
	return out, err
}
