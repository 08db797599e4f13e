package disasm

// Branch is a control transfer decoded from a raw instruction word.
type Branch struct {
	Target uint64 // absolute target; 0 for ret
	Cond   bool   // falls through when not taken
	Ret    bool
	Call   bool // bl: returns to the next instruction
}

type branchForm struct {
	mask, value uint32
	shift, bits uint // imm field
	cond, call  bool
}

var branchForms = []branchForm{
	{0xFC000000, 0x14000000, 0, 26, false, false}, // b
	{0xFC000000, 0x94000000, 0, 26, false, true},  // bl
	{0xFF000010, 0x54000000, 5, 19, true, false},  // b.cond
	{0x7E000000, 0x34000000, 5, 19, true, false},  // cbz / cbnz
	{0x7E000000, 0x36000000, 5, 14, true, false},  // tbz / tbnz
}

// DecodeBranch decodes b, bl, b.cond, cbz/cbnz, tbz/tbnz and ret at pc.
func DecodeBranch(raw uint32, pc uint64) (Branch, bool) {
	if raw&0xFFFFFC1F == 0xD65F0000 {
		return Branch{Ret: true}, true
	}
	for _, f := range branchForms {
		if raw&f.mask != f.value {
			continue
		}
		imm := (raw >> f.shift) & (1<<f.bits - 1)
		off := int64(signExtend(imm, int(f.bits))) * 4
		return Branch{Target: uint64(int64(pc) + off), Cond: f.cond, Call: f.call}, true
	}
	return Branch{}, false
}

// signExtend sign-extends the low bits of val.
func signExtend(val uint32, bits int) int32 {
	sign := uint32(1) << (bits - 1)
	mask := sign - 1
	if val&sign != 0 {
		return int32(val | ^mask)
	}
	return int32(val & mask)
}

// EndsBlock reports whether raw ends a basic block: any branch or ret, but
// not a call.
func EndsBlock(raw uint32) bool {
	b, ok := DecodeBranch(raw, 0)
	return ok && !b.Call
}
