package stackwalk_test

import (
	"errors"
	"testing"

	"gcwalk/internal/arch"
	"gcwalk/internal/codeman"
	"gcwalk/internal/memory"
	"gcwalk/internal/regdisplay"
	"gcwalk/internal/stackwalk"
	"gcwalk/internal/synth"
)

func setup(t *testing.T, calls func(d *synth.Demo) []synth.Call) (*synth.Demo, *synth.Stack) {
	t.Helper()
	d, err := synth.NewDemo()
	if err != nil {
		t.Fatal(err)
	}
	st, err := synth.Builder{}.Build(calls(d))
	if err != nil {
		t.Fatal(err)
	}
	return d, st
}

func values(f stackwalk.Frame) map[uint64]bool {
	m := make(map[uint64]bool)
	for _, r := range f.Refs {
		m[r.Value] = true
	}
	return m
}

func checkFrames(t *testing.T, got []stackwalk.Frame, want []synth.Frame) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%d frames, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Method != want[i].Method || got[i].PC != want[i].PC || got[i].SP != want[i].SP {
			t.Errorf("frame %d = %s pc=0x%x, want %s pc=0x%x sp=0x%x",
				i, got[i], got[i].PC, want[i].Method.Name(), want[i].PC, want[i].SP)
		}
	}
}

func TestWalkChain(t *testing.T) {
	d, st := setup(t, func(d *synth.Demo) []synth.Call { return d.Chain(synth.LeafSafe) })
	frames, err := stackwalk.Walk(stackwalk.New(d.Registry, st.Mem, st.Context, stackwalk.Options{}))
	if err != nil {
		t.Fatal(err)
	}
	checkFrames(t, frames, st.Frames)

	want := [][]uint64{
		{synth.ObjLeafReg},
		{synth.ObjDynLocal, synth.ObjDynReg},
		{synth.ObjMiddleReg, synth.ObjMiddleLocal},
		{synth.ObjOuterReg, synth.ObjOuterLocal},
	}
	for i, objs := range want {
		got := values(frames[i])
		if len(frames[i].Refs) != len(objs) {
			t.Errorf("frame %d refs = %v", i, frames[i].Refs)
		}
		for _, o := range objs {
			if !got[o] {
				t.Errorf("frame %d (%s) missing 0x%x", i, frames[i].Method.Name(), o)
			}
		}
	}
	if frames[0].Refs[0].Loc != regdisplay.InRegister(arch.X19) {
		t.Errorf("leaf ref location = %s", frames[0].Refs[0].Loc)
	}
}

func TestWalkInEpilog(t *testing.T) {
	// leaf stopped after its x19 reload: its own ref slot list does not
	// apply, but the callers' refs are intact
	d, st := setup(t, func(d *synth.Demo) []synth.Call { return d.Chain(0x34) })
	frames, err := stackwalk.Walk(stackwalk.New(d.Registry, st.Mem, st.Context, stackwalk.Options{}))
	if err != nil {
		t.Fatal(err)
	}
	checkFrames(t, frames, st.Frames)
	if frames[0].Region != codeman.RegionEpilog || len(frames[0].Refs) != 0 {
		t.Errorf("leaf frame = %s refs %v", frames[0], frames[0].Refs)
	}
	if !values(frames[3])[synth.ObjOuterReg] {
		t.Errorf("outer refs = %v", frames[3].Refs)
	}
}

func TestWalkAcrossNative(t *testing.T) {
	d, st := setup(t, func(d *synth.Demo) []synth.Call { return d.NativeChain(false) })
	frames, err := stackwalk.Walk(stackwalk.New(d.Registry, st.Mem, st.Context, stackwalk.Options{}))
	if err != nil {
		t.Fatal(err)
	}
	checkFrames(t, frames, st.Frames)
	if frames[2].Transition == 0 || frames[0].Transition != 0 || frames[1].Transition != 0 {
		t.Errorf("transitions = 0x%x 0x%x 0x%x", frames[0].Transition, frames[1].Transition, frames[2].Transition)
	}
	if !values(frames[1])[synth.ObjEntryLocal] {
		t.Errorf("entry refs = %v", frames[1].Refs)
	}
	outer := values(frames[2])
	if !outer[synth.ObjOuterReg] || !outer[synth.ObjOuterLocal] {
		t.Errorf("outer refs = %v", frames[2].Refs)
	}
}

func TestWalkFromTransition(t *testing.T) {
	d, st := setup(t, func(d *synth.Demo) []synth.Call { return d.NativeChain(true) })
	if st.Context != nil || st.Transition == 0 {
		t.Fatalf("stack not stopped in native code: %+v", st)
	}
	it, err := stackwalk.FromTransition(d.Registry, st.Mem, st.Transition, stackwalk.Options{})
	if err != nil {
		t.Fatal(err)
	}
	frames, err := stackwalk.Walk(it)
	if err != nil {
		t.Fatal(err)
	}
	checkFrames(t, frames, st.Frames)
	if frames[0].Transition != st.Transition {
		t.Errorf("transition = 0x%x, want 0x%x", frames[0].Transition, st.Transition)
	}
	for _, r := range frames[0].Refs {
		if r.Loc.Kind != regdisplay.LocStack {
			t.Errorf("ref %s not in memory", r)
		}
	}
}

func TestWalkErrors(t *testing.T) {
	d, st := setup(t, func(d *synth.Demo) []synth.Call { return d.Chain(synth.LeafSafe) })

	if _, err := stackwalk.Walk(stackwalk.New(d.Registry, st.Mem, st.Context, stackwalk.Options{MaxFrames: 2})); !errors.Is(err, stackwalk.ErrTooManyFrames) {
		t.Errorf("max frames: err = %v", err)
	}

	bad := st.Context.Clone()
	bad.PC = 0x9999_0000
	if _, err := stackwalk.Walk(stackwalk.New(d.Registry, st.Mem, bad, stackwalk.Options{})); !errors.Is(err, stackwalk.ErrUnknownCode) {
		t.Errorf("unknown pc: err = %v", err)
	}

	// a corrupted return address in middle's frame ends the walk with an
	// error and no partial result
	if err := st.Mem.WriteWord(st.Frames[2].SP+24, 0x1234_5678); err != nil {
		t.Fatal(err)
	}
	frames, err := stackwalk.Walk(stackwalk.New(d.Registry, st.Mem, st.Context, stackwalk.Options{}))
	if !errors.Is(err, stackwalk.ErrUnknownCode) || frames != nil {
		t.Errorf("corrupt lr: frames=%v err=%v", frames, err)
	}
}

func TestIteratorStepwise(t *testing.T) {
	d, st := setup(t, func(d *synth.Demo) []synth.Call { return d.Chain(synth.LeafSafe) })
	it := stackwalk.New(d.Registry, st.Mem, st.Context, stackwalk.Options{})
	if !it.Next() {
		t.Fatal(it.Err())
	}
	if it.Frame().Method != d.Leaf || it.Regs().PC != st.Frames[0].PC {
		t.Errorf("first frame = %s", it.Frame())
	}
	n := 1
	for it.Next() {
		n++
	}
	if it.Err() != nil || n != 4 {
		t.Errorf("n=%d err=%v", n, it.Err())
	}
	if it.Next() {
		t.Error("Next after end")
	}
}

func TestTransitionFrame(t *testing.T) {
	img := memory.NewImage()
	if _, err := img.Map(0x1000, 0x100); err != nil {
		t.Fatal(err)
	}
	tf := &stackwalk.TransitionFrame{PC: 0x10040, SP: 0x2000, FP: 0x2020, Saved: arch.MaskOf(arch.X19) | arch.MaskOf(25)}
	tf.Regs[arch.X19] = 0x19
	tf.Regs[25] = 0x25
	if tf.Size() != 6*arch.PtrSize {
		t.Errorf("size = %d", tf.Size())
	}
	if err := tf.Write(img, 0x1000); err != nil {
		t.Fatal(err)
	}
	got, err := stackwalk.ReadTransitionFrame(img, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *tf {
		t.Errorf("read %+v, want %+v", got, tf)
	}
	regs := got.Display(0x1000)
	if s := regs.Reg(25); !s.Valid || s.Value != 0x25 || s.Loc != regdisplay.AtAddr(0x1028) {
		t.Errorf("x25 = %+v", s)
	}
	if regs.Reg(20).Valid || regs.Reg(arch.LR).Valid {
		t.Error("unsaved registers valid")
	}

	if err := img.WriteWord(0x1000+3*arch.PtrSize, uint64(arch.MaskLR)); err != nil {
		t.Fatal(err)
	}
	if _, err := stackwalk.ReadTransitionFrame(img, 0x1000); !errors.Is(err, stackwalk.ErrBadTransition) {
		t.Errorf("err = %v, want ErrBadTransition", err)
	}
	if _, err := stackwalk.ReadTransitionFrame(img, 0x5000); !errors.Is(err, memory.ErrUnmapped) {
		t.Errorf("err = %v, want ErrUnmapped", err)
	}
}
