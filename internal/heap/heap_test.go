package heap

import (
	"errors"
	"testing"
)

type sliceQueue struct{ objs []*Object }

func (q *sliceQueue) Push(o *Object) { q.objs = append(q.objs, o) }

func (q *sliceQueue) Each(fn func(*Object)) {
	for _, o := range q.objs {
		fn(o)
	}
}

func newObj(name string, addr uint64, refs ...uint64) *Object {
	return &Object{Name: name, Addr: addr, Size: 0x20, Refs: refs}
}

func alloc(t *testing.T, s *Sim, objs ...*Object) {
	t.Helper()
	for _, o := range objs {
		if err := s.Alloc(o); err != nil {
			t.Fatal(err)
		}
	}
}

func live(s *Sim) map[string]bool {
	m := make(map[string]bool)
	for _, o := range s.Objects() {
		m[o.Name] = true
	}
	return m
}

func TestCollect(t *testing.T) {
	noop := func(*Object) {}
	root := newObj("root", 0x1000, 0x1100)
	child := newObj("child", 0x1100)
	garbage := newObj("garbage", 0x1200)
	fin := newObj("fin", 0x1300, 0x1400)
	fin.Finalizer = noop
	kept := newObj("kept-by-fin", 0x1400)
	suppressed := newObj("suppressed", 0x1500)
	suppressed.Finalizer = noop
	suppressed.SetFinalizerRun()

	q := &sliceQueue{}
	notified := 0
	s := NewSim()
	s.Queue = q
	s.OnFinalizable = func() { notified++ }
	s.Roots = func(visit func(uint64)) error {
		visit(0x1008) // interior
		visit(0)
		return nil
	}
	alloc(t, s, root, child, garbage, fin, kept, suppressed)
	weak := s.NewWeakHandle(fin)

	if err := s.Collect(0); err != nil {
		t.Fatal(err)
	}
	got := live(s)
	for _, name := range []string{"root", "child", "fin", "kept-by-fin"} {
		if !got[name] {
			t.Errorf("%s collected", name)
		}
	}
	for _, name := range []string{"garbage", "suppressed"} {
		if got[name] {
			t.Errorf("%s survived", name)
		}
	}
	if len(q.objs) != 1 || q.objs[0] != fin || notified != 1 {
		t.Errorf("queued %v, notified %d", q.objs, notified)
	}
	if suppressed.FinalizerRun() {
		t.Error("suppressed marker not cleared")
	}
	if s.WeakTarget(weak) != nil {
		t.Error("weak handle to an unreachable object survived")
	}
	if g, _ := s.GenerationOf(root); g != 1 || !s.IsPromoted(root) {
		t.Errorf("root generation %d promoted %v", g, s.IsPromoted(root))
	}
	if s.CollectionCount(0) != 1 || s.CollectionCount(1) != 0 {
		t.Errorf("counts %d %d", s.CollectionCount(0), s.CollectionCount(1))
	}
	if s.TotalMemory() != 4*0x20 {
		t.Errorf("total memory 0x%x", s.TotalMemory())
	}

	// still queued: survives, not queued twice
	if err := s.Collect(-1); err != nil {
		t.Fatal(err)
	}
	if !live(s)["fin"] || len(q.objs) != 1 {
		t.Errorf("after second collection: live %v queued %v", live(s), q.objs)
	}

	q.objs = nil
	if err := s.Collect(-1); err != nil {
		t.Fatal(err)
	}
	if live(s)["fin"] || live(s)["kept-by-fin"] {
		t.Error("finalized object not reclaimed")
	}
	if _, err := s.GenerationOf(fin); !errors.Is(err, ErrUnknownObject) {
		t.Errorf("GenerationOf dead = %v", err)
	}
}

func TestReRegister(t *testing.T) {
	o := newObj("o", 0x1000)
	o.Finalizer = func(*Object) {}
	q := &sliceQueue{}
	s := NewSim()
	s.Queue = q
	alloc(t, s, o)
	if err := s.Collect(-1); err != nil {
		t.Fatal(err)
	}
	if len(q.objs) != 1 {
		t.Fatalf("queued %v", q.objs)
	}
	// finalizer ran and resurrected the object into a static
	q.objs = nil
	s.AddStatic(o.Addr)
	if err := s.RegisterForFinalize(o); err != nil {
		t.Fatal(err)
	}
	if err := s.Collect(-1); err != nil {
		t.Fatal(err)
	}
	if len(q.objs) != 0 {
		t.Error("reachable object queued")
	}

	// suppressed while still queued: re-registering clears the marker
	o.SetFinalizerRun()
	if err := s.RegisterForFinalize(o); err != nil || o.FinalizerRun() {
		t.Errorf("RegisterForFinalize = %v, marker %v", err, o.FinalizerRun())
	}

	plain := newObj("plain", 0x2000)
	if err := s.RegisterForFinalize(plain); err != nil {
		t.Errorf("object without finalizer: %v", err)
	}
}

func TestGenerations(t *testing.T) {
	o := newObj("o", 0x1000)
	s := NewSim()
	s.AddStatic(o.Addr)
	alloc(t, s, o)
	for i, want := range []int{1, 2, 2} {
		if err := s.Collect(-1); err != nil {
			t.Fatal(err)
		}
		if g := o.Generation(); g != want {
			t.Errorf("collection %d: generation %d, want %d", i, g, want)
		}
	}
	if err := s.Collect(MaxGeneration + 1); !errors.Is(err, ErrGeneration) {
		t.Errorf("err = %v", err)
	}

	// older objects are not collected by a young collection
	old := newObj("old", 0x2000)
	alloc(t, s, old)
	old.setGeneration(2)
	if err := s.Collect(0); err != nil || !live(s)["old"] {
		t.Errorf("young collection reclaimed an old object: %v", err)
	}
	if err := s.Collect(2); err != nil || live(s)["old"] {
		t.Errorf("full collection kept garbage: %v", err)
	}
}

func TestNoGCRegion(t *testing.T) {
	s := NewSim()
	if err := s.StartNoGCRegion(0x1000); err != nil {
		t.Fatal(err)
	}
	if s.LatencyMode() != LatencyNoGCRegion {
		t.Errorf("latency %s", s.LatencyMode())
	}
	if err := s.Collect(0); !errors.Is(err, ErrNoGCRegion) {
		t.Errorf("collect in region: %v", err)
	}
	if err := s.StartNoGCRegion(0x1000); !errors.Is(err, ErrNoGCRegion) {
		t.Errorf("nested region: %v", err)
	}
	if err := s.EndNoGCRegion(); err != nil {
		t.Fatal(err)
	}
	if err := s.EndNoGCRegion(); !errors.Is(err, ErrNoGCRegion) {
		t.Errorf("end without start: %v", err)
	}
	if prev := s.SetLatencyMode(LatencyBatch); prev != LatencyInteractive || s.LatencyMode() != LatencyBatch {
		t.Errorf("latency %s -> %s", prev, s.LatencyMode())
	}
}

func TestFullGCNotification(t *testing.T) {
	s := NewSim()
	if err := s.RegisterFullGCNotification(0, 50); err == nil {
		t.Error("threshold 0 accepted")
	}
	if err := s.RegisterFullGCNotification(10, 50); err != nil || !s.FullGCNotification() {
		t.Errorf("register: %v", err)
	}
	if err := s.CancelFullGCNotification(); err != nil || s.FullGCNotification() {
		t.Errorf("cancel: %v", err)
	}
}

func TestAllocOverlap(t *testing.T) {
	s := NewSim()
	alloc(t, s, newObj("a", 0x1000))
	for _, addr := range []uint64{0x1000, 0x0ff0, 0x1010} {
		if err := s.Alloc(newObj("b", addr)); err == nil {
			t.Errorf("overlap at 0x%x accepted", addr)
		}
	}
	if s.Lookup(0x101f) == nil || s.Lookup(0x1020) != nil {
		t.Error("interior lookup")
	}
}

func TestReRegisterAfterSuppress(t *testing.T) {
	o := newObj("o", 0x1000)
	o.Finalizer = func(*Object) {}
	q := &sliceQueue{}
	s := NewSim()
	s.Queue = q
	alloc(t, s, o)
	if err := s.Collect(-1); err != nil {
		t.Fatal(err)
	}
	if len(q.objs) != 1 {
		t.Fatalf("queued %v", q.objs)
	}

	// drained and finalized; the finalizer stores o in a static
	q.objs = nil
	s.AddStatic(o.Addr)
	o.SetFinalizerRun()
	if err := s.RegisterForFinalize(o); err != nil {
		t.Fatal(err)
	}
	if o.FinalizerRun() {
		t.Error("marker still set")
	}

	// the static goes away: o is unreachable again
	s.statics = nil
	if err := s.Collect(-1); err != nil {
		t.Fatal(err)
	}
	if len(q.objs) != 1 || q.objs[0] != o {
		t.Errorf("queued %v, want [o]", q.objs)
	}
}

func TestReRegisterWhileQueued(t *testing.T) {
	o := newObj("o", 0x1000)
	o.Finalizer = func(*Object) {}
	q := &sliceQueue{}
	s := NewSim()
	s.Queue = q
	alloc(t, s, o)
	if err := s.Collect(-1); err != nil {
		t.Fatal(err)
	}
	o.SetFinalizerRun()
	if err := s.RegisterForFinalize(o); err != nil {
		t.Fatal(err)
	}
	if o.FinalizerRun() || s.registered[o] {
		t.Errorf("marker %v, registered %v", o.FinalizerRun(), s.registered[o])
	}
	if err := s.Collect(-1); err != nil {
		t.Fatal(err)
	}
	if len(q.objs) != 1 {
		t.Errorf("queued twice: %v", q.objs)
	}
}
