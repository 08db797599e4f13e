package heap

import (
	"fmt"
	"sort"
	"sync"
)

// MaxGeneration is the oldest generation of Sim.
const MaxGeneration = 2

// Roots reports the root addresses of a collection. Addresses that do not
// point into a heap object are ignored.
type Roots func(visit func(addr uint64)) error

// FinalizationQueue receives objects that are unreachable except for a
// pending finalizer. Objects still in the queue are roots.
type FinalizationQueue interface {
	Push(obj *Object)
	Each(fn func(obj *Object))
}

// Sim is a non-moving generational heap for driving the stack walker and
// the finalizer. Collections mark from the roots, queue unreachable
// finalizable objects (keeping them and what they reference alive), and
// drop the rest.
type Sim struct {
	// Roots, Queue and OnFinalizable are set before the first collection.
	Roots         Roots
	Queue         FinalizationQueue
	OnFinalizable func() // called after objects were queued

	mu         sync.Mutex
	objects    []*Object // sorted by Addr
	statics    []uint64
	registered map[*Object]bool
	promoted   map[*Object]bool
	counts     [MaxGeneration + 1]int
	latency    LatencyMode
	noGC       bool
	fullNotify bool
	weak       map[int]*Object
	nextWeak   int
}

// NewSim returns an empty heap.
func NewSim() *Sim {
	return &Sim{
		registered: make(map[*Object]bool),
		promoted:   make(map[*Object]bool),
		weak:       make(map[int]*Object),
		latency:    LatencyInteractive,
	}
}

// Alloc adds obj to generation 0. Objects with a finalizer are registered
// for finalization.
func (s *Sim) Alloc(obj *Object) error {
	if obj.Size == 0 {
		return fmt.Errorf("heap: %s has zero size", obj)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.objects), func(i int) bool { return s.objects[i].Addr >= obj.Addr })
	if i > 0 && s.objects[i-1].Addr+s.objects[i-1].Size > obj.Addr ||
		i < len(s.objects) && obj.Addr+obj.Size > s.objects[i].Addr {
		return fmt.Errorf("heap: %s overlaps an existing object", obj)
	}
	s.objects = append(s.objects, nil)
	copy(s.objects[i+1:], s.objects[i:])
	s.objects[i] = obj
	obj.setGeneration(0)
	if obj.HasFinalizer() {
		s.registered[obj] = true
	}
	return nil
}

// AddStatic adds a root that is not on any stack.
func (s *Sim) AddStatic(addr uint64) {
	s.mu.Lock()
	s.statics = append(s.statics, addr)
	s.mu.Unlock()
}

// Lookup returns the object addr points into, interior pointers included.
func (s *Sim) Lookup(addr uint64) *Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookup(addr)
}

func (s *Sim) lookup(addr uint64) *Object {
	i := sort.Search(len(s.objects), func(i int) bool {
		o := s.objects[i]
		return o.Addr+o.Size > addr
	})
	if i < len(s.objects) && s.objects[i].Contains(addr) {
		return s.objects[i]
	}
	return nil
}

// Objects returns the live objects in address order.
func (s *Sim) Objects() []*Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Object(nil), s.objects...)
}

func (s *Sim) Collect(gen int) error {
	if gen < 0 {
		gen = MaxGeneration
	}
	if gen > MaxGeneration {
		return fmt.Errorf("%w: %d", ErrGeneration, gen)
	}
	var roots []uint64
	if s.Roots != nil {
		if err := s.Roots(func(addr uint64) { roots = append(roots, addr) }); err != nil {
			return fmt.Errorf("heap: scan roots: %w", err)
		}
	}

	s.mu.Lock()
	if s.noGC {
		s.mu.Unlock()
		return ErrNoGCRegion
	}
	roots = append(roots, s.statics...)
	marked := make(map[*Object]bool)
	var work []*Object
	push := func(o *Object) {
		if o != nil && !marked[o] {
			marked[o] = true
			work = append(work, o)
		}
	}
	drain := func() {
		for len(work) > 0 {
			o := work[len(work)-1]
			work = work[:len(work)-1]
			for _, r := range o.Refs {
				push(s.lookup(r))
			}
		}
	}
	for _, o := range s.objects {
		if o.Generation() > gen {
			push(o)
		}
	}
	for _, r := range roots {
		push(s.lookup(r))
	}
	if s.Queue != nil {
		s.Queue.Each(push)
	}
	drain()

	for id, o := range s.weak {
		if o != nil && !marked[o] {
			s.weak[id] = nil
		}
	}

	var ready []*Object
	for _, o := range s.objects {
		if marked[o] || !s.registered[o] {
			continue
		}
		delete(s.registered, o)
		if o.FinalizerRun() {
			// suppressed
			o.ClearFinalizerRun()
			continue
		}
		ready = append(ready, o)
	}
	for _, o := range ready {
		push(o)
	}
	drain()

	live := s.objects[:0]
	s.promoted = make(map[*Object]bool)
	for _, o := range s.objects {
		if !marked[o] {
			continue
		}
		live = append(live, o)
		if g := o.Generation(); g <= gen {
			s.promoted[o] = true
			if g < MaxGeneration {
				o.setGeneration(g + 1)
			}
		}
	}
	for i := len(live); i < len(s.objects); i++ {
		s.objects[i] = nil
	}
	s.objects = live
	for g := 0; g <= gen; g++ {
		s.counts[g]++
	}
	s.mu.Unlock()

	if len(ready) > 0 && s.Queue != nil {
		for _, o := range ready {
			s.Queue.Push(o)
		}
		if s.OnFinalizable != nil {
			s.OnFinalizable()
		}
	}
	return nil
}

func (s *Sim) MaxGeneration() int { return MaxGeneration }

func (s *Sim) CollectionCount(gen int) int {
	if gen < 0 || gen > MaxGeneration {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[gen]
}

func (s *Sim) GenerationOf(obj *Object) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(obj.Addr) != obj {
		return 0, fmt.Errorf("%w: %s", ErrUnknownObject, obj)
	}
	return obj.Generation(), nil
}

func (s *Sim) IsPromoted(obj *Object) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.promoted[obj]
}

func (s *Sim) TotalMemory() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, o := range s.objects {
		n += o.Size
	}
	return n
}

// LatencyMode reports LatencyNoGCRegion while a no-gc region is active.
func (s *Sim) LatencyMode() LatencyMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noGC {
		return LatencyNoGCRegion
	}
	return s.latency
}

func (s *Sim) SetLatencyMode(m LatencyMode) LatencyMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.latency
	if m != LatencyNoGCRegion {
		s.latency = m
	}
	return prev
}

func (s *Sim) NewWeakHandle(obj *Object) WeakHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextWeak++
	s.weak[s.nextWeak] = obj
	return WeakHandle{id: s.nextWeak}
}

func (s *Sim) WeakTarget(h WeakHandle) *Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weak[h.id]
}

func (s *Sim) RegisterForFinalize(obj *Object) error {
	if !obj.HasFinalizer() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookup(obj.Addr) != obj {
		return fmt.Errorf("%w: %s", ErrUnknownObject, obj)
	}
	obj.ClearFinalizerRun()
	if !s.queued(obj) {
		s.registered[obj] = true
	}
	return nil
}

// queued reports whether obj is waiting in the finalization queue. The
// caller holds s.mu.
func (s *Sim) queued(obj *Object) bool {
	if s.Queue == nil {
		return false
	}
	found := false
	s.Queue.Each(func(o *Object) { found = found || o == obj })
	return found
}

func (s *Sim) StartNoGCRegion(size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noGC {
		return fmt.Errorf("%w: already started", ErrNoGCRegion)
	}
	if size == 0 {
		return fmt.Errorf("%w: zero size", ErrNoGCRegion)
	}
	s.noGC = true
	return nil
}

func (s *Sim) EndNoGCRegion() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.noGC {
		return fmt.Errorf("%w: not started", ErrNoGCRegion)
	}
	s.noGC = false
	return nil
}

func (s *Sim) RegisterFullGCNotification(gen2Percent, lohPercent int) error {
	if gen2Percent < 1 || gen2Percent > 99 || lohPercent < 1 || lohPercent > 99 {
		return fmt.Errorf("heap: notification thresholds %d/%d outside 1..99", gen2Percent, lohPercent)
	}
	s.mu.Lock()
	s.fullNotify = true
	s.mu.Unlock()
	return nil
}

// FullGCNotification reports whether full-collection notification is on.
func (s *Sim) FullGCNotification() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullNotify
}

func (s *Sim) CancelFullGCNotification() error {
	s.mu.Lock()
	s.fullNotify = false
	s.mu.Unlock()
	return nil
}

var _ Collector = (*Sim)(nil)
