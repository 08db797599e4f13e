package gcinfo

import (
	"fmt"
	"sort"

	"github.com/sigurn/crc16"

	"gcwalk/internal/arch"
	"gcwalk/internal/gcfmt"
)

// MethodSpec is the input to Encode.
type MethodSpec struct {
	Flags                Flags
	FrameSize            uint32
	SavedRegs            arch.RegMask
	PrologSize           uint32 // 0 = canonical
	ReturnKind           ReturnKind
	ReversePInvokeOffset int64
	EpilogStarts         []uint32 // each epilog has the canonical size
	Callsites            []Callsite
}

// Header returns the fixed header fields m describes, without table offsets.
func (m MethodSpec) Header() Header {
	h := Header{
		Flags:                m.Flags,
		FrameSize:            m.FrameSize,
		SavedRegs:            m.SavedRegs,
		PrologSize:           m.PrologSize,
		ReturnKind:           m.ReturnKind,
		ReversePInvokeOffset: m.ReversePInvokeOffset,
	}
	if h.PrologSize == 0 {
		h.PrologSize = h.CanonicalPrologSize()
	}
	return h
}

// Encode builds a frame-info blob and checks it by decoding it again.
func Encode(m MethodSpec) ([]byte, error) {
	h := m.Header()

	var w gcfmt.Writer
	w.WriteByte(magic[0])
	w.WriteByte(magic[1])
	w.WriteByte(Version)
	w.WriteUnsigned(uint64(h.Flags))
	w.WriteUnsigned(uint64(h.FrameSize))
	w.WriteUnsigned(uint64(h.SavedRegs))
	w.WriteUnsigned(uint64(h.PrologSize))
	w.WriteUnsigned(uint64(h.ReturnKind))
	if h.HasReversePInvoke() {
		w.WriteTagged(h.ReversePInvokeOffset)
	}

	starts := append([]uint32(nil), m.EpilogStarts...)
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	size := h.CanonicalEpilogSize()
	w.WriteUnsigned(uint64(len(starts)))
	var end uint32
	for i, st := range starts {
		if st < end {
			return nil, fmt.Errorf("gcinfo: encode: epilog %d at 0x%x overlaps previous epilog", i, st)
		}
		w.WriteUnsigned(uint64(st - end))
		w.WriteUnsigned(uint64(size))
		end = st + size
	}

	sites := append([]Callsite(nil), m.Callsites...)
	sort.SliceStable(sites, func(i, j int) bool { return sites[i].Offset < sites[j].Offset })
	w.WriteUnsigned(uint64(len(sites)))
	var prev uint32
	for i, cs := range sites {
		if i > 0 && cs.Offset == prev {
			return nil, fmt.Errorf("gcinfo: encode: duplicate callsite 0x%x", cs.Offset)
		}
		w.WriteUnsigned(uint64(cs.Offset - prev))
		prev = cs.Offset
		w.WriteUnsigned(uint64(len(cs.Slots)))
		for _, sl := range cs.Slots {
			w.WriteByte(byte(sl.Kind)&slotKindMask | (byte(sl.Base)&slotBaseMask)<<slotBaseShift)
			if sl.Base == BaseRegister {
				w.WriteByte(byte(sl.Reg))
			} else {
				w.WriteTagged(sl.Offset)
			}
		}
	}

	w.WriteUint16(crc16.Checksum(w.Bytes(), crcTable))
	blob := append([]byte(nil), w.Bytes()...)
	if _, err := Decode(blob); err != nil {
		return nil, fmt.Errorf("gcinfo: encode: %w", err)
	}
	return blob, nil
}
