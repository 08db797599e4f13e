package codeman

import (
	"fmt"

	"gcwalk/internal/arch"
	"gcwalk/internal/memory"
	"gcwalk/internal/regdisplay"
)

// UnwindStackFrame updates regs to the state right after mi returns to its
// caller: PC is the return address, SP and FP are reset, callee-saved
// registers are restored, and caller-saved registers are trashed.
//
// Inside a prolog or epilog only the registers whose caller value is still
// in the save area are reloaded; the rest already hold the caller's value.
// On error regs is left unchanged.
func UnwindStackFrame(mi *MethodInfo, codeOffset uint32, regs *regdisplay.Display, mem memory.Reader) error {
	d, _, st, err := frameAt(mi, codeOffset, regs)
	if err != nil {
		return err
	}
	h := d.hdr

	next := regs.Clone()
	for _, r := range h.SavedRegs.SlotOrder() {
		if !st.inSlot.Has(r) {
			continue
		}
		addr := slotAddr(h, st.cfa, r)
		v, err := mem.ReadWord(addr)
		if err != nil {
			return fmt.Errorf("%s: restore %s: %w", mi.name, r, err)
		}
		next.Set(r, v, regdisplay.AtAddr(addr))
	}

	ra, ok := next.Value(arch.LR)
	if !ok {
		return fmt.Errorf("%w: return address of %s", ErrUntrackedRegister, mi.name)
	}
	next.PC = ra
	next.SP = st.cfa
	next.TrashCallerSaved()

	*regs = *next
	return nil
}
