package codeman

import (
	"fmt"

	"gcwalk/internal/arch"
	"gcwalk/internal/gcinfo"
	"gcwalk/internal/regdisplay"
)

// ReturnAddressLocation returns where the current frame's return address
// is stored, for overwriting it with a hijack thunk. This is the LR save
// slot while it holds the return address, and the LR register otherwise
// (leaf methods, early prolog, late epilog).
func ReturnAddressLocation(mi *MethodInfo, codeOffset uint32, regs *regdisplay.Display) (regdisplay.Location, error) {
	d, _, st, err := frameAt(mi, codeOffset, regs)
	if err != nil {
		return regdisplay.Location{}, err
	}
	if st.inSlot.Has(arch.LR) {
		return regdisplay.AtAddr(slotAddr(d.hdr, st.cfa, arch.LR)), nil
	}
	lr := regs.Reg(arch.LR)
	if !lr.Valid {
		return regdisplay.Location{}, fmt.Errorf("%w: return address of %s", ErrUntrackedRegister, mi.name)
	}
	return lr.Loc, nil
}

// ReversePInvokeFrame returns the address of the native-transition marker
// recorded by a method entered from native code. ok is false for methods
// that never make such a transition.
func ReversePInvokeFrame(mi *MethodInfo, regs *regdisplay.Display) (addr uint64, ok bool, err error) {
	h, err := mi.Header()
	if err != nil {
		return 0, false, err
	}
	if !h.HasReversePInvoke() {
		return 0, false, nil
	}
	base := regs.SP
	if h.HasFramePointer() {
		fp, valid := regs.FP()
		if !valid {
			return 0, false, fmt.Errorf("%w: fp in %s", ErrUntrackedRegister, mi.name)
		}
		base = fp
	}
	return uint64(int64(base) + h.ReversePInvokeOffset), true, nil
}

// FramePointer returns the frame pointer of a method that establishes one.
func FramePointer(mi *MethodInfo, regs *regdisplay.Display) (uint64, bool) {
	h, err := mi.Header()
	if err != nil || !h.HasFramePointer() {
		return 0, false
	}
	return regs.FP()
}

// ReturnValueKind says whether the method returns a reference that must be
// reported when a hijacked return is intercepted.
func ReturnValueKind(mi *MethodInfo) (gcinfo.ReturnKind, error) {
	h, err := mi.Header()
	if err != nil {
		return gcinfo.ReturnScalar, err
	}
	return h.ReturnKind, nil
}

// EpilogOffset reports whether codeOffset is inside an epilog, and if so
// how far into it and how long it is.
func EpilogOffset(mi *MethodInfo, codeOffset uint32) (epilogOffset, epilogSize uint32, ok bool, err error) {
	eps, err := mi.Epilogs()
	if err != nil {
		return 0, 0, false, err
	}
	for _, e := range eps {
		if e.Contains(codeOffset) {
			return codeOffset - e.Start, e.Size, true, nil
		}
	}
	return 0, 0, false, nil
}
