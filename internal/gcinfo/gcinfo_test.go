package gcinfo

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/sigurn/crc16"

	"gcwalk/internal/arch"
)

// framedSpec is a method with a frame pointer, two callee-saved registers and
// two epilogs.
func framedSpec() MethodSpec {
	return MethodSpec{
		Flags:        FlagFramePointer,
		FrameSize:    64,
		SavedRegs:    arch.MaskLR | arch.MaskFP | arch.MaskOf(arch.X19) | arch.MaskOf(20),
		ReturnKind:   ReturnObject,
		EpilogStarts: []uint32{0x80, 0x40},
		Callsites: []Callsite{
			{Offset: 0x30, Slots: []Slot{
				{Kind: RefObject, Base: BaseRegister, Reg: arch.X19},
				{Kind: RefInterior, Base: BaseSP, Offset: 16},
			}},
			{Offset: 0x1c, Slots: []Slot{
				{Kind: RefPinned, Base: BaseFP, Offset: -40},
			}},
			{Offset: 0x38},
		},
	}
}

func mustEncode(t *testing.T, m MethodSpec) []byte {
	t.Helper()
	blob, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return blob
}

func TestDecodeIdempotent(t *testing.T) {
	blob := mustEncode(t, framedSpec())
	h1, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Errorf("decode not idempotent:\n%+v\n%+v", h1, h2)
	}
	if h1.FrameSize != 64 || h1.ReturnKind != ReturnObject || !h1.HasFramePointer() {
		t.Errorf("header = %+v", h1)
	}
	// alloc + 2 stp + setfp
	if h1.PrologSize != 16 {
		t.Errorf("prolog size = %d, want 16", h1.PrologSize)
	}
	if h1.EpilogCount != 2 || h1.CallsiteCount != 3 {
		t.Errorf("counts = %d epilogs, %d callsites", h1.EpilogCount, h1.CallsiteCount)
	}
}

func TestDecodeConcurrent(t *testing.T) {
	blob := mustEncode(t, framedSpec())
	want, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan Header, 8)
	for i := 0; i < cap(done); i++ {
		go func() {
			h, _ := Decode(blob)
			done <- h
		}()
	}
	for i := 0; i < cap(done); i++ {
		if h := <-done; h != want {
			t.Errorf("concurrent decode = %+v", h)
		}
	}
}

func TestSaveSlots(t *testing.T) {
	h := framedSpec().Header()
	tests := []struct {
		reg  arch.Reg
		want int64
	}{
		{arch.LR, -8},
		{arch.FP, -16},
		{arch.X19, -24},
		{20, -32},
	}
	for _, tt := range tests {
		got, ok := h.SaveSlot(tt.reg)
		if !ok || got != tt.want {
			t.Errorf("SaveSlot(%v) = %d, %v; want %d", tt.reg, got, ok, tt.want)
		}
	}
	if _, ok := h.SaveSlot(21); ok {
		t.Error("x21 has a save slot")
	}
}

func TestSteps(t *testing.T) {
	h := framedSpec().Header()
	h.Flags |= FlagDynamicAlloc

	pro := h.PrologSteps()
	wantPro := []StepOp{OpAllocFrame, OpStore, OpStore, OpSetFP}
	if len(pro) != len(wantPro) {
		t.Fatalf("prolog = %+v", pro)
	}
	for i, op := range wantPro {
		if pro[i].Op != op {
			t.Errorf("prolog[%d] = %v, want %v", i, pro[i].Op, op)
		}
	}
	// stp fp, lr, [sp, #48]
	if pro[1].Regs[0] != arch.FP || pro[1].Regs[1] != arch.LR || pro[1].Imm != 48 {
		t.Errorf("first store = %+v", pro[1])
	}
	// stp x20, x19, [sp, #32]
	if pro[2].Regs[0] != 20 || pro[2].Regs[1] != arch.X19 || pro[2].Imm != 32 {
		t.Errorf("second store = %+v", pro[2])
	}
	if pro[3].Imm != 48 {
		t.Errorf("setfp imm = %d", pro[3].Imm)
	}

	epi := h.EpilogSteps()
	wantEpi := []StepOp{OpResetSP, OpLoad, OpLoad, OpFreeFrame, OpReturn}
	if len(epi) != len(wantEpi) {
		t.Fatalf("epilog = %+v", epi)
	}
	for i, op := range wantEpi {
		if epi[i].Op != op {
			t.Errorf("epilog[%d] = %v, want %v", i, epi[i].Op, op)
		}
	}
	if epi[1].Regs[1] != arch.X19 || epi[2].Regs[1] != arch.LR {
		t.Errorf("loads not in reverse store order: %+v", epi)
	}
}

func TestOddSaveGroup(t *testing.T) {
	h := Header{FrameSize: 32, SavedRegs: arch.MaskLR | arch.MaskFP | arch.MaskOf(arch.X19)}
	pro := h.PrologSteps()
	last := pro[len(pro)-1]
	if last.Op != OpStore || len(last.Regs) != 1 || last.Regs[0] != arch.X19 || last.Imm != 8 {
		t.Errorf("tail store = %+v", last)
	}
}

func TestEpilogTable(t *testing.T) {
	blob := mustEncode(t, framedSpec())
	h, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	eps, err := DecodeEpilogTable(blob, h)
	if err != nil {
		t.Fatal(err)
	}
	size := h.CanonicalEpilogSize()
	want := []Epilog{{0x40, size}, {0x80, size}}
	if len(eps) != len(want) {
		t.Fatalf("epilogs = %+v", eps)
	}
	for i := range want {
		if eps[i] != want[i] {
			t.Errorf("epilog[%d] = %+v, want %+v", i, eps[i], want[i])
		}
	}
	if !eps[0].Contains(0x40) || eps[0].Contains(0x40+size) {
		t.Error("Contains boundaries wrong")
	}
}

func TestFindCallsite(t *testing.T) {
	blob := mustEncode(t, framedSpec())
	h, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}

	cs, ok, err := FindCallsite(blob, h, 0x30)
	if err != nil || !ok {
		t.Fatalf("FindCallsite(0x30) = %v, %v", ok, err)
	}
	if len(cs.Slots) != 2 || cs.Slots[0].Reg != arch.X19 || cs.Slots[1].Kind != RefInterior || cs.Slots[1].Offset != 16 {
		t.Errorf("slots = %+v", cs.Slots)
	}

	cs, ok, _ = FindCallsite(blob, h, 0x1c)
	if !ok || cs.Slots[0].Base != BaseFP || cs.Slots[0].Offset != -40 || cs.Slots[0].Kind != RefPinned {
		t.Errorf("0x1c = %+v, %v", cs, ok)
	}

	cs, ok, _ = FindCallsite(blob, h, 0x38)
	if !ok || len(cs.Slots) != 0 {
		t.Errorf("0x38 = %+v, %v", cs, ok)
	}

	if _, ok, _ := FindCallsite(blob, h, 0x34); ok {
		t.Error("found callsite at 0x34")
	}

	all, err := Callsites(blob, h)
	if err != nil || len(all) != 3 || all[0].Offset != 0x1c {
		t.Errorf("Callsites = %+v, %v", all, err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	good := mustEncode(t, framedSpec())

	flipped := append([]byte(nil), good...)
	flipped[4] ^= 0x01

	// patch rewrites byte i and fixes up the trailer, so only the
	// header check can reject the blob.
	patch := func(i int, b byte) []byte {
		out := append([]byte(nil), good...)
		out[i] = b
		n := len(out) - crcSize
		binary.LittleEndian.PutUint16(out[n:], crc16.Checksum(out[:n], crcTable))
		return out
	}

	tests := []struct {
		name string
		blob []byte
	}{
		{"empty", nil},
		{"short", []byte{'G', 'C'}},
		{"crc", flipped},
		{"truncated", good[:len(good)-3]},
		{"magic", patch(1, 'X')},
		{"version", patch(2, Version+1)},
	}
	for _, tt := range tests {
		if _, err := Decode(tt.blob); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", tt.name, err)
		}
	}
}

func TestEncodeRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name string
		spec MethodSpec
	}{
		{"unaligned frame", MethodSpec{FrameSize: 24}},
		{"save area too big", MethodSpec{FrameSize: 16, SavedRegs: arch.MaskLR | arch.MaskFP | arch.MaskOf(arch.X19)}},
		{"fp without saves", MethodSpec{Flags: FlagFramePointer, FrameSize: 16}},
		{"short prolog", MethodSpec{FrameSize: 16, SavedRegs: arch.MaskLR, PrologSize: 4}},
		{"epilog in prolog", MethodSpec{FrameSize: 16, SavedRegs: arch.MaskLR, EpilogStarts: []uint32{0}}},
		{"overlapping epilogs", MethodSpec{FrameSize: 16, SavedRegs: arch.MaskLR, EpilogStarts: []uint32{0x10, 0x14}}},
		{"bad slot kind", MethodSpec{Callsites: []Callsite{{Offset: 4, Slots: []Slot{{Kind: 3}}}}}},
		{"unaligned slot", MethodSpec{Callsites: []Callsite{{Offset: 4, Slots: []Slot{{Base: BaseSP, Offset: 3}}}}}},
		{"duplicate callsite", MethodSpec{Callsites: []Callsite{{Offset: 4}, {Offset: 4}}}},
	}
	for _, tt := range tests {
		if _, err := Encode(tt.spec); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestUnknownFlagsSurvive(t *testing.T) {
	blob := mustEncode(t, MethodSpec{Flags: 1 << 5})
	h, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	if h.UnknownFlags() != 1<<5 {
		t.Errorf("unknown flags = %v", h.UnknownFlags())
	}
	if h.Flags.String() != "0x20" {
		t.Errorf("flags string = %q", h.Flags.String())
	}
}

func TestReversePInvokeOffset(t *testing.T) {
	blob := mustEncode(t, MethodSpec{
		Flags:                FlagFramePointer | FlagReversePInvoke,
		FrameSize:            32,
		SavedRegs:            arch.MaskLR | arch.MaskFP,
		ReversePInvokeOffset: -16,
	})
	h, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}
	if !h.HasReversePInvoke() || h.ReversePInvokeOffset != -16 {
		t.Errorf("header = %+v", h)
	}
}
