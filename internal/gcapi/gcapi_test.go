package gcapi_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"gcwalk/internal/finalizer"
	"gcwalk/internal/gcapi"
	"gcwalk/internal/heap"
	"gcwalk/internal/stackwalk"
	"gcwalk/internal/synth"
	"gcwalk/internal/thread"
)

type world struct {
	api  *gcapi.API
	sim  *heap.Sim
	objs map[string]*heap.Object
}

func setup(t *testing.T) *world {
	t.Helper()
	d, err := synth.NewDemo()
	if err != nil {
		t.Fatal(err)
	}
	st, err := synth.Builder{}.Build(d.Chain(synth.LeafSafe))
	if err != nil {
		t.Fatal(err)
	}
	th := thread.New(1, st.Context)
	store := thread.NewStore()
	if err := store.Add(th); err != nil {
		t.Fatal(err)
	}
	sim := heap.NewSim()
	sim.Roots = gcapi.StackRoots(store, d.Registry, st.Mem, stackwalk.Options{})
	w := &world{
		api:  &gcapi.API{Thread: th, Heap: sim},
		sim:  sim,
		objs: make(map[string]*heap.Object),
	}
	for _, o := range synth.DemoObjects() {
		if err := sim.Alloc(o); err != nil {
			t.Fatal(err)
		}
		w.objs[o.Name] = o
	}
	return w
}

func TestCollectFromStacks(t *testing.T) {
	w := setup(t)
	garbage := &heap.Object{Name: "garbage", Addr: 0x2000_0000, Size: 0x10}
	if err := w.sim.Alloc(garbage); err != nil {
		t.Fatal(err)
	}
	weak := w.sim.NewWeakHandle(garbage)
	strong := w.sim.NewWeakHandle(w.objs["leaf.reg"])

	if err := w.api.Collect(0); err != nil {
		t.Fatal(err)
	}
	live := map[string]bool{}
	for _, o := range w.sim.Objects() {
		live[o.Name] = true
	}
	for name := range w.objs {
		// entry is not on this stack
		if want := name != "entry.pinned"; live[name] != want {
			t.Errorf("%s live = %v, want %v", name, live[name], want)
		}
	}
	if live["garbage"] {
		t.Error("garbage survived")
	}

	if g, err := w.api.GenerationOfWeakRef(weak); err != nil || g != gcapi.DeadWeakRef {
		t.Errorf("dead weak ref generation = %d, %v", g, err)
	}
	if g, err := w.api.GenerationOfWeakRef(strong); err != nil || g != 1 {
		t.Errorf("live weak ref generation = %d, %v", g, err)
	}
	if n, _ := w.api.CollectionCount(0); n != 1 {
		t.Errorf("CollectionCount(0) = %d", n)
	}
	if ok, _ := w.api.IsPromoted(w.objs["middle.array"]); !ok {
		t.Error("object held by an interior pointer not promoted")
	}
	if w.api.MaxGeneration() != heap.MaxGeneration {
		t.Errorf("MaxGeneration = %d", w.api.MaxGeneration())
	}
}

func TestCallsAreCooperative(t *testing.T) {
	w := setup(t)
	err := w.api.Thread.Cooperative(func() error {
		return w.api.Collect(-1)
	})
	if !errors.Is(err, thread.ErrCooperative) {
		t.Errorf("nested Collect = %v", err)
	}
	if _, err := w.api.TotalMemory(); err != nil {
		t.Errorf("TotalMemory after release: %v", err)
	}
}

func TestSuppressFinalize(t *testing.T) {
	w := setup(t)
	plain := w.objs["outer.reg"]
	w.api.SuppressFinalize(plain)
	if plain.FinalizerRun() {
		t.Error("marker set on an object without a finalizer")
	}

	ran := false
	fin := &heap.Object{Name: "fin", Addr: 0x2000_0000, Size: 0x10, Finalizer: func(*heap.Object) { ran = true }}
	if err := w.sim.Alloc(fin); err != nil {
		t.Fatal(err)
	}
	w.api.SuppressFinalize(fin)
	if err := w.api.ReRegisterForFinalize(fin); err != nil {
		t.Fatal(err)
	}
	w.api.SuppressFinalize(fin)

	q := &finalizer.Queue{}
	w.sim.Queue = q
	if err := w.api.Collect(-1); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 0 || ran {
		t.Errorf("suppressed object queued: len %d ran %v", q.Len(), ran)
	}
}

func TestLatencyAndRegions(t *testing.T) {
	w := setup(t)
	if prev, err := w.api.SetLatencyMode(heap.LatencyBatch); err != nil || prev != heap.LatencyInteractive {
		t.Errorf("SetLatencyMode = %s, %v", prev, err)
	}
	if err := w.api.StartNoGCRegion(1 << 20); err != nil {
		t.Fatal(err)
	}
	if m, _ := w.api.LatencyMode(); m != heap.LatencyNoGCRegion {
		t.Errorf("latency in region = %s", m)
	}
	if err := w.api.Collect(0); !errors.Is(err, heap.ErrNoGCRegion) {
		t.Errorf("Collect in region = %v", err)
	}
	if err := w.api.EndNoGCRegion(); err != nil {
		t.Fatal(err)
	}
	if err := w.api.RegisterFullGCNotification(10, 10); err != nil {
		t.Fatal(err)
	}
	if err := w.api.CancelFullGCNotification(); err != nil {
		t.Fatal(err)
	}
}

func TestWaitForPendingFinalizers(t *testing.T) {
	w := setup(t)
	if err := w.api.WaitForPendingFinalizers(context.Background()); !errors.Is(err, gcapi.ErrNoFinalizer) {
		t.Errorf("without finalizer thread: %v", err)
	}

	ev := finalizer.NewEvents()
	q := &finalizer.Queue{}
	done := &finalizer.Completion{}
	w.sim.Queue = q
	w.sim.OnFinalizable = ev.SignalWork
	w.api.Events, w.api.Complete = ev, done

	finalized := make(chan string, 1)
	fin := &heap.Object{Name: "fin", Addr: 0x2000_0000, Size: 0x10,
		Finalizer: func(o *heap.Object) { finalized <- o.Name }}
	if err := w.sim.Alloc(fin); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &finalizer.Runner{Waiter: ev.Waiter(), Queue: q, Complete: done}
	go r.Run(ctx)

	if err := w.api.Collect(-1); err != nil {
		t.Fatal(err)
	}
	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	if err := w.api.WaitForPendingFinalizers(wctx); err != nil {
		t.Fatal(err)
	}
	select {
	case name := <-finalized:
		if name != "fin" {
			t.Errorf("finalized %s", name)
		}
	default:
		t.Error("finalizer had not run when the wait returned")
	}
	if w.api.Thread.Mode() != thread.Preemptive {
		t.Error("waiting thread left cooperative")
	}
}
