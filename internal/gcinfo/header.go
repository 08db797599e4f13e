// Package gcinfo decodes and encodes per-method frame-info blobs: the frame
// shape, saved registers, epilog windows and the per-callsite table of live
// reference slots.
package gcinfo

import (
	"errors"
	"fmt"

	"gcwalk/internal/arch"
)

var (
	// ErrMalformed means the blob is corrupt or was produced by a broken
	// code generator. A walk that hits it must stop.
	ErrMalformed = errors.New("gcinfo: malformed frame info")
)

// Version is the only encoding version this package understands.
const Version = 1

var magic = [2]byte{'G', 'C'}

// Flags describe the frame shape.
type Flags uint32

const (
	FlagFramePointer   Flags = 1 << 0 // x29 = CFA-16 after the prolog
	FlagDynamicAlloc   Flags = 1 << 1 // SP moves below the fixed frame in the body
	FlagReversePInvoke Flags = 1 << 2 // method is entered from native code

	knownFlags = FlagFramePointer | FlagDynamicAlloc | FlagReversePInvoke
)

func (f Flags) String() string {
	s := ""
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if f&FlagFramePointer != 0 {
		add("fp")
	}
	if f&FlagDynamicAlloc != 0 {
		add("dynamic")
	}
	if f&FlagReversePInvoke != 0 {
		add("rpi")
	}
	if u := f &^ knownFlags; u != 0 {
		add(fmt.Sprintf("0x%x", uint32(u)))
	}
	if s == "" {
		return "none"
	}
	return s
}

// RefKind tags a live reference slot.
type RefKind uint8

const (
	RefObject   RefKind = 0 // points at the start of an object
	RefInterior RefKind = 1 // points into the middle of an object
	RefPinned   RefKind = 2 // the object must not move this cycle
)

func (k RefKind) String() string {
	switch k {
	case RefObject:
		return "object"
	case RefInterior:
		return "interior"
	case RefPinned:
		return "pinned"
	}
	return fmt.Sprintf("refkind(%d)", uint8(k))
}

// ReturnKind classifies a method's return value for hijacked returns.
type ReturnKind uint8

const (
	ReturnScalar ReturnKind = 0
	ReturnObject ReturnKind = 1
	ReturnByref  ReturnKind = 2
)

func (k ReturnKind) String() string {
	switch k {
	case ReturnScalar:
		return "scalar"
	case ReturnObject:
		return "object"
	case ReturnByref:
		return "byref"
	}
	return fmt.Sprintf("returnkind(%d)", uint8(k))
}

// Header is the decoded fixed part of a frame-info blob. It is a plain
// value: decoding the same blob twice yields headers that compare equal.
type Header struct {
	Flags      Flags
	FrameSize  uint32
	SavedRegs  arch.RegMask
	PrologSize uint32
	ReturnKind ReturnKind

	// ReversePInvokeOffset locates the native-transition marker, relative
	// to FP (or SP without a frame pointer). Valid with FlagReversePInvoke.
	ReversePInvokeOffset int64

	// Auxiliary tables, as offsets into the blob.
	EpilogTableOffset int
	EpilogCount       int
	CallsiteOffset    int
	CallsiteCount     int
}

func (h Header) HasFramePointer() bool   { return h.Flags&FlagFramePointer != 0 }
func (h Header) HasDynamicAlloc() bool   { return h.Flags&FlagDynamicAlloc != 0 }
func (h Header) HasReversePInvoke() bool { return h.Flags&FlagReversePInvoke != 0 }

// UnknownFlags returns flag bits this package does not implement.
func (h Header) UnknownFlags() Flags { return h.Flags &^ knownFlags }

// SaveAreaSize is the number of bytes used by saved registers.
func (h Header) SaveAreaSize() uint32 {
	return uint32(h.SavedRegs.Count()) * arch.PtrSize
}

// SaveSlot returns the offset from the CFA of the slot holding r.
func (h Header) SaveSlot(r arch.Reg) (int64, bool) {
	for i, sr := range h.SavedRegs.SlotOrder() {
		if sr == r {
			return -int64(i+1) * arch.PtrSize, true
		}
	}
	return 0, false
}

// Epilog is one epilog window, in bytes from the start of the method.
type Epilog struct {
	Start uint32 `json:"start"`
	Size  uint32 `json:"size"`
}

// Contains reports whether codeOffset lies inside the window.
func (e Epilog) Contains(codeOffset uint32) bool {
	return codeOffset >= e.Start && codeOffset < e.Start+e.Size
}

// SlotBase says what a live slot's offset is relative to.
type SlotBase uint8

const (
	BaseRegister SlotBase = 0
	BaseSP       SlotBase = 1
	BaseFP       SlotBase = 2
)

func (b SlotBase) String() string {
	switch b {
	case BaseRegister:
		return "reg"
	case BaseSP:
		return "sp"
	case BaseFP:
		return "fp"
	}
	return fmt.Sprintf("base(%d)", uint8(b))
}

// Slot is one live reference at a callsite.
type Slot struct {
	Kind   RefKind
	Base   SlotBase
	Reg    arch.Reg // BaseRegister
	Offset int64    // BaseSP / BaseFP
}

func (s Slot) String() string {
	if s.Base == BaseRegister {
		return fmt.Sprintf("%s %s", s.Reg, s.Kind)
	}
	return fmt.Sprintf("[%s%+d] %s", s.Base, s.Offset, s.Kind)
}

// Callsite lists the live slots at one code offset (the return address
// of a call, or any other safe point).
type Callsite struct {
	Offset uint32
	Slots  []Slot
}
