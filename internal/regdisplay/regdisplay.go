// Package regdisplay holds the register state threaded through a stack walk.
package regdisplay

import (
	"fmt"
	"strings"

	"gcwalk/internal/arch"
)

// LocKind says where a value lives.
type LocKind uint8

const (
	LocNone     LocKind = iota
	LocRegister         // in the suspended thread's context
	LocStack            // in target memory
)

// Location is a storage location: a context register or a memory address.
// Locations are comparable and used to deduplicate reported references.
type Location struct {
	Kind LocKind
	Reg  arch.Reg
	Addr uint64
}

// InRegister returns the context location of r.
func InRegister(r arch.Reg) Location { return Location{Kind: LocRegister, Reg: r} }

// AtAddr returns the memory location addr.
func AtAddr(addr uint64) Location { return Location{Kind: LocStack, Addr: addr} }

func (l Location) String() string {
	switch l.Kind {
	case LocRegister:
		return l.Reg.String()
	case LocStack:
		return fmt.Sprintf("[0x%x]", l.Addr)
	}
	return "-"
}

// Slot is one tracked register.
type Slot struct {
	Value uint64
	Loc   Location // where Value was read from
	Valid bool
}

// Display is the register state of one physical frame. Each walk owns its
// display exclusively.
type Display struct {
	PC uint64
	SP uint64

	regs [arch.NumRegs]Slot
}

// NewContext builds a display from a suspended thread's context: every
// register is valid and lives in the context.
func NewContext(pc, sp uint64, regs [arch.NumRegs]uint64) *Display {
	d := &Display{PC: pc, SP: sp}
	for i, v := range regs {
		d.regs[i] = Slot{Value: v, Loc: InRegister(arch.Reg(i)), Valid: true}
	}
	return d
}

// Reg returns the tracked state of r.
func (d *Display) Reg(r arch.Reg) Slot {
	if !r.Valid() {
		return Slot{}
	}
	return d.regs[r]
}

// Value returns r's value and whether it is known.
func (d *Display) Value(r arch.Reg) (uint64, bool) {
	s := d.Reg(r)
	return s.Value, s.Valid
}

// FP returns the frame pointer register.
func (d *Display) FP() (uint64, bool) { return d.Value(arch.FP) }

// Set records that r holds v, read from loc.
func (d *Display) Set(r arch.Reg, v uint64, loc Location) {
	if !r.Valid() {
		return
	}
	d.regs[r] = Slot{Value: v, Loc: loc, Valid: true}
}

// SetContext records that r holds v in the thread context.
func (d *Display) SetContext(r arch.Reg, v uint64) { d.Set(r, v, InRegister(r)) }

// Invalidate marks r as not tracked.
func (d *Display) Invalidate(r arch.Reg) {
	if r.Valid() {
		d.regs[r] = Slot{}
	}
}

// TrashCallerSaved invalidates the registers a call may clobber.
func (d *Display) TrashCallerSaved() {
	for r := arch.Reg(0); r < arch.NumRegs; r++ {
		if !r.CalleeSaved() {
			d.Invalidate(r)
		}
	}
}

// Clone returns an independent copy.
func (d *Display) Clone() *Display {
	c := *d
	return &c
}

func (d *Display) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pc=0x%x sp=0x%x", d.PC, d.SP)
	for r := arch.Reg(0); r < arch.NumRegs; r++ {
		s := d.regs[r]
		if !s.Valid {
			continue
		}
		fmt.Fprintf(&b, " %s=0x%x", r, s.Value)
		if s.Loc.Kind == LocStack {
			fmt.Fprintf(&b, "@%s", s.Loc)
		}
	}
	return b.String()
}
