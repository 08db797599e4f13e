package disasm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gcwalk/internal/arch"
	"gcwalk/internal/gcinfo"
)

var ErrEncoding = errors.New("disasm: step cannot be encoded")

const (
	regSP = 31 // sp in the base and destination fields of add/sub/ldp/stp

	instNOP = 0xD503201F
	instRET = 0xD65F03C0

	opAddImm = 0x91000000
	opSubImm = 0xD1000000
	opSTP    = 0xA9000000 // signed offset
	opLDP    = 0xA9400000
	opSTR    = 0xF9000000 // unsigned offset
	opLDR    = 0xF9400000
	opBL     = 0x94000000
)

func addSub(op uint32, rd, rn arch.Reg, imm int64) (uint32, error) {
	if imm < 0 || imm > 0xFFF {
		return 0, fmt.Errorf("%w: immediate %d out of range", ErrEncoding, imm)
	}
	return op | uint32(imm)<<10 | uint32(rn)<<5 | uint32(rd), nil
}

func pairOrSingle(pair, single uint32, s gcinfo.Step) (uint32, error) {
	if s.Imm%arch.PtrSize != 0 {
		return 0, fmt.Errorf("%w: %s offset %d not a multiple of 8", ErrEncoding, s.Op, s.Imm)
	}
	switch len(s.Regs) {
	case 1:
		if s.Imm < 0 || s.Imm/8 > 0xFFF {
			return 0, fmt.Errorf("%w: %s offset %d out of range", ErrEncoding, s.Op, s.Imm)
		}
		return single | uint32(s.Imm/8)<<10 | regSP<<5 | uint32(s.Regs[0]), nil
	case 2:
		if s.Imm < -512 || s.Imm > 504 {
			return 0, fmt.Errorf("%w: %s offset %d out of range", ErrEncoding, s.Op, s.Imm)
		}
		imm7 := uint32(s.Imm/8) & 0x7F
		return pair | imm7<<15 | uint32(s.Regs[1])<<10 | regSP<<5 | uint32(s.Regs[0]), nil
	}
	return 0, fmt.Errorf("%w: %s of %d registers", ErrEncoding, s.Op, len(s.Regs))
}

// EncodeStep returns the arm64 instruction word for s.
func EncodeStep(s gcinfo.Step) (uint32, error) {
	switch s.Op {
	case gcinfo.OpAllocFrame:
		return addSub(opSubImm, regSP, regSP, s.Imm)
	case gcinfo.OpFreeFrame:
		return addSub(opAddImm, regSP, regSP, s.Imm)
	case gcinfo.OpSetFP:
		return addSub(opAddImm, arch.FP, regSP, s.Imm)
	case gcinfo.OpResetSP:
		return addSub(opSubImm, regSP, arch.FP, s.Imm)
	case gcinfo.OpStore:
		return pairOrSingle(opSTP, opSTR, s)
	case gcinfo.OpLoad:
		return pairOrSingle(opLDP, opLDR, s)
	case gcinfo.OpReturn:
		return instRET, nil
	}
	return 0, fmt.Errorf("%w: op %d", ErrEncoding, s.Op)
}

// DecodeStep recognizes a prolog or epilog instruction by its raw bits.
func DecodeStep(raw uint32) (gcinfo.Step, bool) {
	rd := arch.Reg(raw & 0x1F)
	rn := arch.Reg((raw >> 5) & 0x1F)
	rt2 := arch.Reg((raw >> 10) & 0x1F)
	imm12 := int64((raw >> 10) & 0xFFF)

	switch {
	case raw == instRET:
		return gcinfo.Step{Op: gcinfo.OpReturn}, true
	case raw&0xFFC00000 == opSubImm: // sh = 0
		switch {
		case rd == regSP && rn == regSP:
			return gcinfo.Step{Op: gcinfo.OpAllocFrame, Imm: imm12}, true
		case rd == regSP && rn == arch.FP:
			return gcinfo.Step{Op: gcinfo.OpResetSP, Imm: imm12}, true
		}
	case raw&0xFFC00000 == opAddImm:
		switch {
		case rd == regSP && rn == regSP:
			return gcinfo.Step{Op: gcinfo.OpFreeFrame, Imm: imm12}, true
		case rd == arch.FP && rn == regSP:
			return gcinfo.Step{Op: gcinfo.OpSetFP, Imm: imm12}, true
		}
	case raw&0xFFC00000 == opSTP || raw&0xFFC00000 == opLDP:
		if rn != regSP {
			break
		}
		op := gcinfo.OpStore
		if raw&0xFFC00000 == opLDP {
			op = gcinfo.OpLoad
		}
		imm := int64(signExtend((raw>>15)&0x7F, 7)) * 8
		return gcinfo.Step{Op: op, Regs: []arch.Reg{rd, rt2}, Imm: imm}, true
	case raw&0xFFC00000 == opSTR || raw&0xFFC00000 == opLDR:
		if rn != regSP {
			break
		}
		op := gcinfo.OpStore
		if raw&0xFFC00000 == opLDR {
			op = gcinfo.OpLoad
		}
		return gcinfo.Step{Op: op, Regs: []arch.Reg{rd}, Imm: imm12 * 8}, true
	}
	return gcinfo.Step{}, false
}

func stepEqual(a, b gcinfo.Step) bool {
	if a.Op != b.Op || a.Imm != b.Imm || len(a.Regs) != len(b.Regs) {
		return false
	}
	for i := range a.Regs {
		if a.Regs[i] != b.Regs[i] {
			return false
		}
	}
	return true
}

// StepString renders s in assembler syntax.
func StepString(s gcinfo.Step) string {
	raw, err := EncodeStep(s)
	if err != nil {
		return fmt.Sprintf("%s %v #%d", s.Op, s.Regs, s.Imm)
	}
	return DisasmOne(raw)
}

// Assemble lays out a method's code: the canonical prolog at offset 0, a bl
// before every callsite, the canonical epilog at every epilog start, and
// nops elsewhere.
func Assemble(h gcinfo.Header, epilogs []gcinfo.Epilog, sites []gcinfo.Callsite, codeSize uint32) ([]byte, error) {
	if codeSize%gcinfo.InstSize != 0 {
		return nil, fmt.Errorf("%w: code size 0x%x not a multiple of 4", ErrEncoding, codeSize)
	}
	words := make([]uint32, codeSize/gcinfo.InstSize)
	for i := range words {
		words[i] = instNOP
	}
	put := func(off uint32, steps []gcinfo.Step) error {
		for i, s := range steps {
			idx := int(off/gcinfo.InstSize) + i
			if idx >= len(words) {
				return fmt.Errorf("%w: %s at 0x%x past the end of the code", ErrEncoding, s.Op, off)
			}
			raw, err := EncodeStep(s)
			if err != nil {
				return err
			}
			words[idx] = raw
		}
		return nil
	}
	if err := put(0, h.PrologSteps()); err != nil {
		return nil, err
	}
	for _, cs := range sites {
		if cs.Offset < h.PrologSize+gcinfo.InstSize || cs.Offset > codeSize {
			continue
		}
		// bl to itself; the target is not recorded anywhere
		words[cs.Offset/gcinfo.InstSize-1] = opBL
	}
	for _, e := range epilogs {
		if err := put(e.Start, h.EpilogSteps()); err != nil {
			return nil, err
		}
	}
	out := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out, nil
}
