package stackwalk

import (
	"errors"
	"fmt"

	"gcwalk/internal/arch"
	"gcwalk/internal/memory"
	"gcwalk/internal/regdisplay"
)

var ErrBadTransition = errors.New("stackwalk: malformed transition frame")

// transitionSaveable is the part of RegMask a transition frame may record.
const transitionSaveable arch.RegMask = 1<<10 - 1 // x19..x28

// TransitionFrame is the record managed code leaves on its stack before it
// calls out to native code. In memory it is a sequence of words: PC, SP,
// FP, the saved-register mask, then the saved values in ascending register
// order.
type TransitionFrame struct {
	PC    uint64
	SP    uint64
	FP    uint64
	Saved arch.RegMask // subset of x19..x28
	Regs  [arch.NumRegs]uint64
}

const (
	tfPC = iota
	tfSP
	tfFP
	tfMask
	tfValues
)

// Size is the number of bytes the record occupies.
func (tf *TransitionFrame) Size() uint64 {
	return uint64(tfValues+tf.Saved.Count()) * arch.PtrSize
}

func (tf *TransitionFrame) savedRegs() []arch.Reg {
	var out []arch.Reg
	for r := arch.X19; r <= arch.X28; r++ {
		if tf.Saved.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// ReadTransitionFrame reads the record at addr.
func ReadTransitionFrame(mem memory.Reader, addr uint64) (*TransitionFrame, error) {
	word := func(i int) (uint64, error) {
		return mem.ReadWord(addr + uint64(i)*arch.PtrSize)
	}
	var head [tfValues]uint64
	for i := range head {
		v, err := word(i)
		if err != nil {
			return nil, fmt.Errorf("transition frame 0x%x: %w", addr, err)
		}
		head[i] = v
	}
	mask := arch.RegMask(head[tfMask])
	if head[tfMask]&^uint64(transitionSaveable) != 0 {
		return nil, fmt.Errorf("%w: 0x%x: register mask 0x%x", ErrBadTransition, addr, head[tfMask])
	}
	if head[tfSP]%arch.StackAlign != 0 {
		return nil, fmt.Errorf("%w: 0x%x: sp 0x%x not aligned", ErrBadTransition, addr, head[tfSP])
	}
	tf := &TransitionFrame{PC: head[tfPC], SP: head[tfSP], FP: head[tfFP], Saved: mask}
	for i, r := range tf.savedRegs() {
		v, err := word(tfValues + i)
		if err != nil {
			return nil, fmt.Errorf("transition frame 0x%x: %s: %w", addr, r, err)
		}
		tf.Regs[r] = v
	}
	return tf, nil
}

// Write stores the record at addr.
func (tf *TransitionFrame) Write(mem memory.Memory, addr uint64) error {
	if tf.Saved&^transitionSaveable != 0 {
		return fmt.Errorf("%w: register mask %s", ErrBadTransition, tf.Saved)
	}
	words := []uint64{tf.PC, tf.SP, tf.FP, uint64(tf.Saved)}
	for _, r := range tf.savedRegs() {
		words = append(words, tf.Regs[r])
	}
	for i, w := range words {
		if err := mem.WriteWord(addr+uint64(i)*arch.PtrSize, w); err != nil {
			return fmt.Errorf("transition frame 0x%x: %w", addr, err)
		}
	}
	return nil
}

// Display returns the register state of the managed caller that left the
// record at addr. Recorded registers are located in the record itself;
// everything else is unknown.
func (tf *TransitionFrame) Display(addr uint64) *regdisplay.Display {
	d := &regdisplay.Display{PC: tf.PC, SP: tf.SP}
	d.Set(arch.FP, tf.FP, regdisplay.AtAddr(addr+tfFP*arch.PtrSize))
	for i, r := range tf.savedRegs() {
		d.Set(r, tf.Regs[r], regdisplay.AtAddr(addr+uint64(tfValues+i)*arch.PtrSize))
	}
	return d
}
