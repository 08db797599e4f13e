// Package arch describes the arm64 register file as seen by the stack walker.
package arch

import (
	"fmt"
	"strconv"
	"strings"
)

// PtrSize is the size of a managed reference and of every stack slot.
const PtrSize = 8

// StackAlign is the required SP alignment at call boundaries.
const StackAlign = 16

// Reg is a general-purpose register number (X0..X30).
type Reg uint8

const (
	X0  Reg = 0
	X18 Reg = 18
	X19 Reg = 19
	X28 Reg = 28
	FP  Reg = 29 // x29
	LR  Reg = 30 // x30

	NumRegs = 31
)

func (r Reg) String() string {
	switch r {
	case FP:
		return "fp"
	case LR:
		return "lr"
	}
	if r < NumRegs {
		return "x" + strconv.Itoa(int(r))
	}
	return fmt.Sprintf("reg(%d)", uint8(r))
}

// Valid reports whether r names a real register.
func (r Reg) Valid() bool { return r < NumRegs }

// CalleeSaved reports whether the calling convention preserves r across calls.
func (r Reg) CalleeSaved() bool {
	return (r >= X19 && r <= X28) || r == FP
}

// ParseReg parses "x0".."x30", "fp" and "lr" (case-insensitive).
func ParseReg(s string) (Reg, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "fp", "x29":
		return FP, nil
	case "lr", "x30":
		return LR, nil
	}
	if !strings.HasPrefix(s, "x") {
		return 0, fmt.Errorf("arch: bad register %q", s)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n < 0 || n >= NumRegs {
		return 0, fmt.Errorf("arch: bad register %q", s)
	}
	return Reg(n), nil
}

// RegMask is the saved-register bitmask used in frame info:
// bit i (0..9) = X(19+i), bit 10 = FP, bit 11 = LR.
type RegMask uint16

const (
	MaskFP RegMask = 1 << 10
	MaskLR RegMask = 1 << 11

	maskValid RegMask = 1<<12 - 1
)

// MaskOf returns the mask bit for r, or 0 if r cannot be described by a mask.
func MaskOf(r Reg) RegMask {
	switch {
	case r >= X19 && r <= X28:
		return 1 << (r - X19)
	case r == FP:
		return MaskFP
	case r == LR:
		return MaskLR
	}
	return 0
}

// Has reports whether r is in the mask.
func (m RegMask) Has(r Reg) bool {
	b := MaskOf(r)
	return b != 0 && m&b != 0
}

// Valid reports whether only defined bits are set.
func (m RegMask) Valid() bool { return m&^maskValid == 0 }

// SlotOrder returns the saved registers in save-slot order: LR, FP, X19..X28.
func (m RegMask) SlotOrder() []Reg {
	var out []Reg
	if m&MaskLR != 0 {
		out = append(out, LR)
	}
	if m&MaskFP != 0 {
		out = append(out, FP)
	}
	for r := X19; r <= X28; r++ {
		if m.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// Count returns the number of registers in the mask.
func (m RegMask) Count() int {
	n := 0
	for v := m & maskValid; v != 0; v &= v - 1 {
		n++
	}
	return n
}

func (m RegMask) String() string {
	regs := m.SlotOrder()
	if len(regs) == 0 {
		return "{}"
	}
	parts := make([]string, len(regs))
	for i, r := range regs {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}
