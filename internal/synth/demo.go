package synth

import (
	"fmt"

	"gcwalk/internal/arch"
	"gcwalk/internal/codeman"
	"gcwalk/internal/gcinfo"
	"gcwalk/internal/heap"
)

// NewMethod encodes spec and describes a method of codeSize bytes at code.
func NewMethod(name string, code uint64, codeSize uint32, spec gcinfo.MethodSpec) (*codeman.MethodInfo, error) {
	blob, err := gcinfo.Encode(spec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return codeman.NewMethodInfo(name, code, codeSize, blob, nil, nil), nil
}

// Demo object addresses held by the demo frames.
const (
	ObjOuterLocal  = 0x1000_0010
	ObjOuterReg    = 0x1000_0020
	ObjMiddleLocal = 0x1000_0030
	ObjMiddleReg   = 0x1000_0048 // interior pointer into ObjMiddle
	ObjMiddle      = 0x1000_0040
	ObjDynLocal    = 0x1000_0050
	ObjDynReg      = 0x1000_0060
	ObjLeafReg     = 0x1000_0070
	ObjEntryLocal  = 0x1000_0080
)

// DemoObjects returns a heap object at every demo address. None of them
// has a finalizer.
func DemoObjects() []*heap.Object {
	objs := []struct {
		name string
		addr uint64
	}{
		{"outer.local", ObjOuterLocal},
		{"outer.reg", ObjOuterReg},
		{"middle.local", ObjMiddleLocal},
		{"middle.array", ObjMiddle},
		{"dyn.local", ObjDynLocal},
		{"dyn.reg", ObjDynReg},
		{"leaf.reg", ObjLeafReg},
		{"entry.pinned", ObjEntryLocal},
	}
	out := make([]*heap.Object, len(objs))
	for i, o := range objs {
		out[i] = &heap.Object{Name: o.name, Addr: o.addr, Size: 0x10}
	}
	return out
}

// Demo call sites.
const (
	OuterCall  = 0x40
	MiddleCall = 0x30
	DynCall    = 0x28
	LeafSafe   = 0x10
	EntryCall  = 0x20
)

// Demo is a small set of methods covering every supported frame shape.
type Demo struct {
	Registry *codeman.Registry

	Outer  *codeman.MethodInfo // frame pointer, odd number of saved registers
	Middle *codeman.MethodInfo // no frame pointer
	Dyn    *codeman.MethodInfo // dynamic frame
	Leaf   *codeman.MethodInfo // return address stays in lr
	Entry  *codeman.MethodInfo // entered from native code
}

// NewDemo encodes and registers the demo methods.
func NewDemo() (*Demo, error) {
	x := arch.MaskOf
	specs := []struct {
		dst  **codeman.MethodInfo
		name string
		code uint64
		size uint32
		spec gcinfo.MethodSpec
	}{
		{nil, "outer", 0x10000, 0x100, gcinfo.MethodSpec{
			Flags:        gcinfo.FlagFramePointer,
			FrameSize:    48,
			SavedRegs:    arch.MaskLR | arch.MaskFP | x(arch.X19) | x(20) | x(21),
			ReturnKind:   gcinfo.ReturnObject,
			EpilogStarts: []uint32{0xe0},
			Callsites: []gcinfo.Callsite{{Offset: OuterCall, Slots: []gcinfo.Slot{
				{Kind: gcinfo.RefObject, Base: gcinfo.BaseRegister, Reg: arch.X19},
				{Kind: gcinfo.RefObject, Base: gcinfo.BaseSP, Offset: 0},
				{Kind: gcinfo.RefInterior, Base: gcinfo.BaseFP, Offset: -32}, // same slot as sp+0
			}}},
		}},
		{nil, "middle", 0x20000, 0x80, gcinfo.MethodSpec{
			FrameSize:    32,
			SavedRegs:    arch.MaskLR | x(arch.X19) | x(22),
			EpilogStarts: []uint32{0x60},
			Callsites: []gcinfo.Callsite{{Offset: MiddleCall, Slots: []gcinfo.Slot{
				{Kind: gcinfo.RefInterior, Base: gcinfo.BaseRegister, Reg: 22},
				{Kind: gcinfo.RefObject, Base: gcinfo.BaseSP, Offset: 0},
			}}},
		}},
		{nil, "dyn", 0x30000, 0x80, gcinfo.MethodSpec{
			Flags:        gcinfo.FlagFramePointer | gcinfo.FlagDynamicAlloc,
			FrameSize:    32,
			SavedRegs:    arch.MaskLR | arch.MaskFP | x(24),
			ReturnKind:   gcinfo.ReturnByref,
			EpilogStarts: []uint32{0x50},
			Callsites: []gcinfo.Callsite{{Offset: DynCall, Slots: []gcinfo.Slot{
				{Kind: gcinfo.RefObject, Base: gcinfo.BaseFP, Offset: -16},
				{Kind: gcinfo.RefObject, Base: gcinfo.BaseRegister, Reg: 24},
			}}},
		}},
		{nil, "leaf", 0x40000, 0x40, gcinfo.MethodSpec{
			FrameSize:    16,
			SavedRegs:    x(arch.X19),
			EpilogStarts: []uint32{0x30},
			Callsites: []gcinfo.Callsite{{Offset: LeafSafe, Slots: []gcinfo.Slot{
				{Kind: gcinfo.RefObject, Base: gcinfo.BaseRegister, Reg: arch.X19},
			}}},
		}},
		{nil, "entry", 0x50000, 0x60, gcinfo.MethodSpec{
			Flags:                gcinfo.FlagFramePointer | gcinfo.FlagReversePInvoke,
			FrameSize:            48,
			SavedRegs:            arch.MaskLR | arch.MaskFP,
			ReversePInvokeOffset: -16,
			EpilogStarts:         []uint32{0x50},
			Callsites: []gcinfo.Callsite{{Offset: EntryCall, Slots: []gcinfo.Slot{
				{Kind: gcinfo.RefPinned, Base: gcinfo.BaseFP, Offset: -24},
			}}},
		}},
	}
	d := &Demo{Registry: codeman.NewRegistry()}
	dsts := []**codeman.MethodInfo{&d.Outer, &d.Middle, &d.Dyn, &d.Leaf, &d.Entry}
	for i, s := range specs {
		mi, err := NewMethod(s.name, s.code, s.size, s.spec)
		if err != nil {
			return nil, err
		}
		if err := d.Registry.Add(mi); err != nil {
			return nil, err
		}
		*dsts[i] = mi
	}
	return d, nil
}

// Chain returns outer -> middle -> dyn -> leaf with the leaf stopped at
// leafOffset. Every live slot holds one of the demo objects.
func (d *Demo) Chain(leafOffset uint32) []Call {
	return []Call{
		d.outerCall(false),
		d.middleCall(),
		{Method: d.Dyn, Offset: DynCall,
			Regs:  map[arch.Reg]uint64{24: ObjDynReg},
			Stack: map[int64]uint64{DefaultDynamic: ObjDynLocal}},
		{Method: d.Leaf, Offset: leafOffset,
			Regs: map[arch.Reg]uint64{arch.X19: ObjLeafReg}},
	}
}

// NativeChain returns outer calling native code, which calls entry, which
// calls middle. With stopInNative the thread is left in native code after
// outer's call instead.
func (d *Demo) NativeChain(stopInNative bool) []Call {
	if stopInNative {
		return []Call{d.outerCall(true)}
	}
	return []Call{
		d.outerCall(true),
		{Method: d.Entry, Offset: EntryCall,
			Stack: map[int64]uint64{8: ObjEntryLocal}},
		d.middleCall(),
	}
}

func (d *Demo) outerCall(native bool) Call {
	return Call{Method: d.Outer, Offset: OuterCall, Native: native,
		Regs:  map[arch.Reg]uint64{arch.X19: ObjOuterReg},
		Stack: map[int64]uint64{0: ObjOuterLocal}}
}

func (d *Demo) middleCall() Call {
	return Call{Method: d.Middle, Offset: MiddleCall,
		Regs:  map[arch.Reg]uint64{22: ObjMiddleReg},
		Stack: map[int64]uint64{0: ObjMiddleLocal}}
}
