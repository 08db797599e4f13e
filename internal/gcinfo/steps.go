package gcinfo

import "gcwalk/internal/arch"

// StepOp is one canonical prolog or epilog instruction.
type StepOp uint8

const (
	OpAllocFrame StepOp = iota // sub sp, sp, #Imm
	OpStore                    // stp/str Regs, [sp, #Imm]
	OpSetFP                    // add x29, sp, #Imm
	OpResetSP                  // sub sp, x29, #Imm
	OpLoad                     // ldp/ldr Regs, [sp, #Imm]
	OpFreeFrame                // add sp, sp, #Imm
	OpReturn                   // ret
)

func (op StepOp) String() string {
	switch op {
	case OpAllocFrame:
		return "alloc"
	case OpStore:
		return "store"
	case OpSetFP:
		return "setfp"
	case OpResetSP:
		return "resetsp"
	case OpLoad:
		return "load"
	case OpFreeFrame:
		return "free"
	case OpReturn:
		return "ret"
	}
	return "?"
}

// InstSize is the size of every prolog/epilog instruction.
const InstSize = 4

// Step is one instruction of the canonical prolog or epilog. For stores and
// loads Regs[0] is at [sp+Imm] and Regs[1], if present, at [sp+Imm+8].
type Step struct {
	Op   StepOp
	Regs []arch.Reg
	Imm  int64
}

// saveGroups pairs the saved registers as the prolog stores them.
func (h Header) saveGroups() []Step {
	order := h.SavedRegs.SlotOrder()
	fs := int64(h.FrameSize)
	var out []Step
	for i := 0; i < len(order); i += 2 {
		if i+1 < len(order) {
			out = append(out, Step{
				Op:   OpStore,
				Regs: []arch.Reg{order[i+1], order[i]},
				Imm:  fs - int64(i+2)*arch.PtrSize,
			})
			continue
		}
		out = append(out, Step{
			Op:   OpStore,
			Regs: []arch.Reg{order[i]},
			Imm:  fs - int64(i+1)*arch.PtrSize,
		})
	}
	return out
}

// PrologSteps returns the canonical prolog.
func (h Header) PrologSteps() []Step {
	var out []Step
	if h.FrameSize > 0 {
		out = append(out, Step{Op: OpAllocFrame, Imm: int64(h.FrameSize)})
	}
	out = append(out, h.saveGroups()...)
	if h.HasFramePointer() {
		out = append(out, Step{Op: OpSetFP, Imm: int64(h.FrameSize) - 2*arch.PtrSize})
	}
	return out
}

// EpilogSteps returns the canonical epilog.
func (h Header) EpilogSteps() []Step {
	var out []Step
	if h.HasDynamicAlloc() {
		out = append(out, Step{Op: OpResetSP, Imm: int64(h.FrameSize) - 2*arch.PtrSize})
	}
	groups := h.saveGroups()
	for i := len(groups) - 1; i >= 0; i-- {
		g := groups[i]
		g.Op = OpLoad
		out = append(out, g)
	}
	if h.FrameSize > 0 {
		out = append(out, Step{Op: OpFreeFrame, Imm: int64(h.FrameSize)})
	}
	out = append(out, Step{Op: OpReturn})
	return out
}

// CanonicalPrologSize is the byte size of PrologSteps.
func (h Header) CanonicalPrologSize() uint32 {
	return uint32(len(h.PrologSteps())) * InstSize
}

// CanonicalEpilogSize is the byte size of EpilogSteps.
func (h Header) CanonicalEpilogSize() uint32 {
	return uint32(len(h.EpilogSteps())) * InstSize
}
