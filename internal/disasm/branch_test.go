package disasm

import "testing"

func TestDecodeBranch(t *testing.T) {
	tests := []struct {
		name string
		raw  uint32
		pc   uint64
		want Branch
	}{
		{"ret", 0xD65F03C0, 0x1000, Branch{Ret: true}},
		{"b forward", 0x14000000 | 0x40, 0x1000, Branch{Target: 0x1100}},
		{"b backward", 0x14000000 | (0x03FFFFFF - 3), 0x1000, Branch{Target: 0x0FF0}},
		{"bl", 0x94000000 | 0x10, 0x1000, Branch{Target: 0x1040, Call: true}},
		{"b.eq", 0x54000000 | 8<<5, 0x2000, Branch{Target: 0x2020, Cond: true}},
		{"cbz x0", 0xB4000000 | 0x10<<5, 0x3000, Branch{Target: 0x3040, Cond: true}},
		{"cbnz w1", 0x35000000 | 0x7FFFF<<5 | 1, 0x3000, Branch{Target: 0x2FFC, Cond: true}},
		{"tbz", 0x36000000 | 4<<5, 0x4000, Branch{Target: 0x4010, Cond: true}},
	}
	for _, tt := range tests {
		got, ok := DecodeBranch(tt.raw, tt.pc)
		if !ok || got != tt.want {
			t.Errorf("%s: DecodeBranch(0x%08x) = %+v %v, want %+v", tt.name, tt.raw, got, ok, tt.want)
		}
	}
}

func TestDecodeBranchNotBranch(t *testing.T) {
	for _, raw := range []uint32{
		0x8B020020, // add x0, x1, x2
		0xD503201F, // nop
		0xA9BF7BFD, // stp fp, lr, [sp, #-16]!
	} {
		if b, ok := DecodeBranch(raw, 0x1000); ok {
			t.Errorf("0x%08x decoded as %+v", raw, b)
		}
	}
}

func TestEndsBlock(t *testing.T) {
	if !EndsBlock(0xD65F03C0) || !EndsBlock(0x14000001) {
		t.Error("ret and b must end a block")
	}
	if EndsBlock(0x94000001) {
		t.Error("bl must not end a block")
	}
}

func TestSignExtend(t *testing.T) {
	tests := []struct {
		val  uint32
		bits int
		want int32
	}{
		{0x04, 19, 4},
		{0x7FFFF, 19, -1},
		{0x3FFF, 14, -1},
		{0x2000, 14, -8192},
	}
	for _, tc := range tests {
		if got := signExtend(tc.val, tc.bits); got != tc.want {
			t.Errorf("signExtend(0x%x, %d) = %d, want %d", tc.val, tc.bits, got, tc.want)
		}
	}
}
