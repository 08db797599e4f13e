// Package thread tracks managed threads: their suspended register context,
// their GC mode, and return-address hijacks.
package thread

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gcwalk/internal/codeman"
	"gcwalk/internal/memory"
	"gcwalk/internal/regdisplay"
	"gcwalk/internal/stackwalk"
)

var (
	ErrCooperative = errors.New("thread: already in cooperative mode")
	ErrHijacked    = errors.New("thread: already hijacked")
	ErrNotHijacked = errors.New("thread: not hijacked")
	ErrInNative    = errors.New("thread: running native code")
	ErrDuplicate   = errors.New("thread: duplicate id")
)

// Mode is the thread's GC mode.
type Mode uint8

const (
	// Preemptive threads may be stopped anywhere; the collector does not
	// wait for them.
	Preemptive Mode = iota
	// Cooperative threads touch managed objects; a collection must wait
	// until they reach a safe point.
	Cooperative
)

func (m Mode) String() string {
	if m == Cooperative {
		return "cooperative"
	}
	return "preemptive"
}

type hijack struct {
	loc   regdisplay.Location
	saved uint64
}

// Thread is one managed thread.
type Thread struct {
	ID int

	mu         sync.Mutex
	mode       Mode
	ctx        *regdisplay.Display // suspended context; nil in native code
	transition uint64
	hijack     *hijack
}

// New returns a thread suspended in managed code with context ctx.
func New(id int, ctx *regdisplay.Display) *Thread {
	return &Thread{ID: id, ctx: ctx.Clone()}
}

// NewNative returns a thread running native code that left managed code
// through the transition frame at transition.
func NewNative(id int, transition uint64) *Thread {
	return &Thread{ID: id, transition: transition}
}

// Mode returns the current GC mode.
func (t *Thread) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// Context returns a copy of the suspended context, or nil.
func (t *Thread) Context() *regdisplay.Display {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return nil
	}
	return t.ctx.Clone()
}

// CoopToken keeps its thread in cooperative mode until released.
type CoopToken struct {
	t    *Thread
	once sync.Once
}

// Release returns the thread to preemptive mode. Releasing twice is a
// no-op.
func (c *CoopToken) Release() {
	c.once.Do(func() {
		c.t.mu.Lock()
		c.t.mode = Preemptive
		c.t.mu.Unlock()
	})
}

// DisablePreemptive switches the thread to cooperative mode.
func (t *Thread) DisablePreemptive() (*CoopToken, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode == Cooperative {
		return nil, fmt.Errorf("%w: thread %d", ErrCooperative, t.ID)
	}
	t.mode = Cooperative
	return &CoopToken{t: t}, nil
}

// Cooperative runs fn in cooperative mode.
func (t *Thread) Cooperative(fn func() error) error {
	tok, err := t.DisablePreemptive()
	if err != nil {
		return err
	}
	defer tok.Release()
	return fn()
}

// Iterator starts a stack walk of the thread.
func (t *Thread) Iterator(reg *codeman.Registry, mem memory.Reader, opts stackwalk.Options) (*stackwalk.Iterator, error) {
	t.mu.Lock()
	ctx, transition := t.ctx, t.transition
	if ctx != nil {
		ctx = ctx.Clone()
	}
	t.mu.Unlock()
	if ctx != nil {
		return stackwalk.New(reg, mem, ctx, opts), nil
	}
	return stackwalk.FromTransition(reg, mem, transition, opts)
}

// Hijack redirects the innermost managed frame's return to thunk, so the
// thread stops at a safe point when that frame returns. It returns the
// location that was overwritten.
func (t *Thread) Hijack(reg *codeman.Registry, mem memory.Memory, thunk uint64) (regdisplay.Location, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hijack != nil {
		return regdisplay.Location{}, fmt.Errorf("%w: thread %d", ErrHijacked, t.ID)
	}
	if t.ctx == nil {
		return regdisplay.Location{}, fmt.Errorf("%w: thread %d", ErrInNative, t.ID)
	}
	mi, off, ok := reg.Lookup(t.ctx.PC)
	if !ok {
		return regdisplay.Location{}, fmt.Errorf("%w: 0x%x", stackwalk.ErrUnknownCode, t.ctx.PC)
	}
	loc, err := codeman.ReturnAddressLocation(mi, off, t.ctx)
	if err != nil {
		return regdisplay.Location{}, err
	}
	var saved uint64
	switch loc.Kind {
	case regdisplay.LocRegister:
		saved, _ = t.ctx.Value(loc.Reg)
		t.ctx.SetContext(loc.Reg, thunk)
	case regdisplay.LocStack:
		if saved, err = mem.ReadWord(loc.Addr); err != nil {
			return regdisplay.Location{}, err
		}
		if err := mem.WriteWord(loc.Addr, thunk); err != nil {
			return regdisplay.Location{}, err
		}
	default:
		return regdisplay.Location{}, fmt.Errorf("%w: return address of %s", codeman.ErrUntrackedRegister, mi.Name())
	}
	t.hijack = &hijack{loc: loc, saved: saved}
	return loc, nil
}

// Unhijack restores the return address Hijack replaced.
func (t *Thread) Unhijack(mem memory.Memory) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	h := t.hijack
	if h == nil {
		return fmt.Errorf("%w: thread %d", ErrNotHijacked, t.ID)
	}
	if h.loc.Kind == regdisplay.LocRegister {
		t.ctx.SetContext(h.loc.Reg, h.saved)
	} else if err := mem.WriteWord(h.loc.Addr, h.saved); err != nil {
		return err
	}
	t.hijack = nil
	return nil
}

// Hijacked reports whether the thread is hijacked and the original return
// address.
func (t *Thread) Hijacked() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hijack == nil {
		return 0, false
	}
	return t.hijack.saved, true
}

// Store is the set of managed threads.
type Store struct {
	mu      sync.RWMutex
	threads map[int]*Thread
}

// NewStore returns an empty store.
func NewStore() *Store { return &Store{threads: make(map[int]*Thread)} }

// Add registers t.
func (s *Store) Add(t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicate, t.ID)
	}
	s.threads[t.ID] = t
	return nil
}

// Get returns the thread with the given id.
func (s *Store) Get(id int) (*Thread, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	return t, ok
}

// Remove forgets a thread.
func (s *Store) Remove(id int) {
	s.mu.Lock()
	delete(s.threads, id)
	s.mu.Unlock()
}

// Threads returns all threads ordered by id.
func (s *Store) Threads() []*Thread {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Walk removes hijacks and walks every thread's stack in id order, calling
// fn with each thread's frames. The first failure stops the walk.
func (s *Store) Walk(reg *codeman.Registry, mem memory.Memory, opts stackwalk.Options, fn func(*Thread, []stackwalk.Frame) error) error {
	for _, t := range s.Threads() {
		if _, ok := t.Hijacked(); ok {
			if err := t.Unhijack(mem); err != nil {
				return fmt.Errorf("thread %d: %w", t.ID, err)
			}
		}
		it, err := t.Iterator(reg, mem, opts)
		if err != nil {
			return fmt.Errorf("thread %d: %w", t.ID, err)
		}
		frames, err := stackwalk.Walk(it)
		if err != nil {
			return fmt.Errorf("thread %d: %w", t.ID, err)
		}
		if err := fn(t, frames); err != nil {
			return err
		}
	}
	return nil
}
