package codeman

import (
	"fmt"

	"gcwalk/internal/gcinfo"
	"gcwalk/internal/regdisplay"
)

// LiveRef is one storage location holding a live managed reference.
type LiveRef struct {
	Loc  regdisplay.Location
	Kind gcinfo.RefKind
}

func (r LiveRef) String() string { return r.Loc.String() + " " + r.Kind.String() }

// Visitor receives live references during EnumGCRefs. It is never called
// after EnumGCRefs returns.
type Visitor interface {
	VisitRef(ref LiveRef)
}

// VisitorFunc adapts a function to Visitor.
type VisitorFunc func(ref LiveRef)

func (f VisitorFunc) VisitRef(ref LiveRef) { f(ref) }

// EnumGCRefs reports every location holding a live reference at codeOffset.
// Each storage location is reported once, even if several table entries
// resolve to it. Register entries resolve to wherever the register's value
// currently lives, which after unwinding is its save slot in a callee frame.
// Nothing is reported if any entry cannot be resolved.
func EnumGCRefs(mi *MethodInfo, codeOffset uint32, regs *regdisplay.Display, v Visitor) error {
	d, err := mi.info()
	if err != nil {
		return err
	}
	if codeOffset >= mi.codeSize {
		return fmt.Errorf("%w: %s+0x%x", ErrBadOffset, mi.name, codeOffset)
	}
	cs, ok, err := gcinfo.FindCallsite(mi.gcInfo, d.hdr, codeOffset)
	if err != nil {
		return fmt.Errorf("%s: %w", mi.name, err)
	}
	if !ok || len(cs.Slots) == 0 {
		return nil
	}

	refs := make([]LiveRef, 0, len(cs.Slots))
	seen := make(map[regdisplay.Location]bool, len(cs.Slots))
	for _, s := range cs.Slots {
		loc, err := slotLocation(mi, s, regs)
		if err != nil {
			return err
		}
		if seen[loc] {
			continue
		}
		seen[loc] = true
		refs = append(refs, LiveRef{Loc: loc, Kind: s.Kind})
	}
	for _, r := range refs {
		v.VisitRef(r)
	}
	return nil
}

func slotLocation(mi *MethodInfo, s gcinfo.Slot, regs *regdisplay.Display) (regdisplay.Location, error) {
	switch s.Base {
	case gcinfo.BaseRegister:
		rs := regs.Reg(s.Reg)
		if !rs.Valid {
			return regdisplay.Location{}, fmt.Errorf("%w: %s live in %s", ErrUntrackedRegister, s.Reg, mi.name)
		}
		return rs.Loc, nil
	case gcinfo.BaseSP:
		return regdisplay.AtAddr(uint64(int64(regs.SP) + s.Offset)), nil
	case gcinfo.BaseFP:
		fp, ok := regs.FP()
		if !ok {
			return regdisplay.Location{}, fmt.Errorf("%w: fp in %s", ErrUntrackedRegister, mi.name)
		}
		return regdisplay.AtAddr(uint64(int64(fp) + s.Offset)), nil
	}
	return regdisplay.Location{}, fmt.Errorf("%s: %w: slot base %s", mi.name, gcinfo.ErrMalformed, s.Base)
}
