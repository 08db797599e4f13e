package codeman

import (
	"fmt"

	"gcwalk/internal/arch"
	"gcwalk/internal/gcinfo"
	"gcwalk/internal/regdisplay"
)

// Region says which part of a method a code offset falls in.
type Region uint8

const (
	RegionBody Region = iota
	RegionProlog
	RegionEpilog
)

func (r Region) String() string {
	switch r {
	case RegionProlog:
		return "prolog"
	case RegionEpilog:
		return "epilog"
	}
	return "body"
}

// position is a code offset resolved against the frame info.
type position struct {
	region Region
	steps  []gcinfo.Step // prolog or epilog steps
	done   int           // steps already executed
}

func classify(mi *MethodInfo, d *decodedInfo, codeOffset uint32) (position, error) {
	if codeOffset >= mi.codeSize {
		return position{}, fmt.Errorf("%w: %s+0x%x", ErrBadOffset, mi.name, codeOffset)
	}
	if codeOffset < d.hdr.CanonicalPrologSize() {
		return position{
			region: RegionProlog,
			steps:  d.hdr.PrologSteps(),
			done:   int(codeOffset / gcinfo.InstSize),
		}, nil
	}
	for _, e := range d.epilogs {
		if e.Contains(codeOffset) {
			return position{
				region: RegionEpilog,
				steps:  d.hdr.EpilogSteps(),
				done:   int((codeOffset - e.Start) / gcinfo.InstSize),
			}, nil
		}
	}
	return position{region: RegionBody}, nil
}

func (p position) executed(op gcinfo.StepOp) bool {
	for _, s := range p.steps[:p.done] {
		if s.Op == op {
			return true
		}
	}
	return false
}

func (p position) executedRegs(op gcinfo.StepOp) arch.RegMask {
	var m arch.RegMask
	for _, s := range p.steps[:p.done] {
		if s.Op != op {
			continue
		}
		for _, r := range s.Regs {
			m |= arch.MaskOf(r)
		}
	}
	return m
}

// frameState is what a position implies about the frame: the caller's SP
// (CFA) and which saved registers still have the caller's value only in
// their save slot.
type frameState struct {
	cfa    uint64
	inSlot arch.RegMask
}

func checkSupported(mi *MethodInfo, h gcinfo.Header) error {
	if u := h.UnknownFlags(); u != 0 {
		return fmt.Errorf("%w: %s has flags %s", ErrUnsupportedFrame, mi.name, u)
	}
	if h.HasDynamicAlloc() && !h.HasFramePointer() {
		return fmt.Errorf("%w: %s has a dynamic frame without a frame pointer", ErrUnsupportedFrame, mi.name)
	}
	return nil
}

func fpBasedCFA(mi *MethodInfo, regs *regdisplay.Display) (uint64, error) {
	fp, ok := regs.FP()
	if !ok {
		return 0, fmt.Errorf("%w: fp in %s", ErrUntrackedRegister, mi.name)
	}
	return fp + 2*arch.PtrSize, nil
}

func resolveFrame(mi *MethodInfo, d *decodedInfo, pos position, regs *regdisplay.Display) (frameState, error) {
	h := d.hdr
	if err := checkSupported(mi, h); err != nil {
		return frameState{}, err
	}
	fixed := regs.SP + uint64(h.FrameSize)

	switch pos.region {
	case RegionProlog:
		st := frameState{cfa: regs.SP, inSlot: pos.executedRegs(gcinfo.OpStore)}
		if pos.executed(gcinfo.OpAllocFrame) {
			st.cfa = fixed
		}
		return st, nil

	case RegionEpilog:
		st := frameState{inSlot: h.SavedRegs &^ pos.executedRegs(gcinfo.OpLoad)}
		switch {
		case pos.executed(gcinfo.OpFreeFrame):
			st.cfa = regs.SP
		case h.HasDynamicAlloc() && !pos.executed(gcinfo.OpResetSP):
			cfa, err := fpBasedCFA(mi, regs)
			if err != nil {
				return frameState{}, err
			}
			st.cfa = cfa
		default:
			st.cfa = fixed
		}
		return st, nil
	}

	st := frameState{cfa: fixed, inSlot: h.SavedRegs}
	if h.HasDynamicAlloc() {
		cfa, err := fpBasedCFA(mi, regs)
		if err != nil {
			return frameState{}, err
		}
		st.cfa = cfa
	}
	return st, nil
}

// frameAt decodes mi and resolves the frame state at codeOffset.
func frameAt(mi *MethodInfo, codeOffset uint32, regs *regdisplay.Display) (*decodedInfo, position, frameState, error) {
	d, err := mi.info()
	if err != nil {
		return nil, position{}, frameState{}, err
	}
	pos, err := classify(mi, d, codeOffset)
	if err != nil {
		return nil, position{}, frameState{}, err
	}
	st, err := resolveFrame(mi, d, pos, regs)
	if err != nil {
		return nil, position{}, frameState{}, err
	}
	return d, pos, st, nil
}

func slotAddr(h gcinfo.Header, cfa uint64, r arch.Reg) uint64 {
	off, _ := h.SaveSlot(r)
	return uint64(int64(cfa) + off)
}

// CodeRegion reports whether codeOffset is in mi's prolog, epilog or body.
func CodeRegion(mi *MethodInfo, codeOffset uint32) (Region, error) {
	d, err := mi.info()
	if err != nil {
		return 0, err
	}
	pos, err := classify(mi, d, codeOffset)
	if err != nil {
		return 0, err
	}
	return pos.region, nil
}
