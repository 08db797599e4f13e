// Package heap is the collector surface the stack walker and finalizer
// talk to, plus a small simulated heap that implements it.
package heap

import (
	"fmt"
	"sync/atomic"
)

// Header bits kept in an object's sync-block word.
const (
	// BitFinalizerRun marks an object whose finalizer must not run again:
	// it was suppressed, or has already run.
	BitFinalizerRun uint32 = 1 << 30
)

// Object is one heap object.
type Object struct {
	Addr uint64
	Size uint64
	Name string
	// Refs are the addresses this object references.
	Refs []uint64
	// Finalizer, if set, runs once before the object is reclaimed.
	Finalizer func(*Object)

	header atomic.Uint32
	gen    atomic.Int32
}

// Contains reports whether addr points into the object.
func (o *Object) Contains(addr uint64) bool {
	return addr >= o.Addr && addr-o.Addr < o.Size
}

// Generation returns the object's current generation.
func (o *Object) Generation() int { return int(o.gen.Load()) }

func (o *Object) setGeneration(g int) { o.gen.Store(int32(g)) }

// HasFinalizer reports whether the object's type has a finalizer.
func (o *Object) HasFinalizer() bool { return o.Finalizer != nil }

// FinalizerRun reports whether BitFinalizerRun is set.
func (o *Object) FinalizerRun() bool { return o.header.Load()&BitFinalizerRun != 0 }

// SetFinalizerRun sets BitFinalizerRun.
func (o *Object) SetFinalizerRun() { o.header.Or(BitFinalizerRun) }

// ClearFinalizerRun clears BitFinalizerRun.
func (o *Object) ClearFinalizerRun() { o.header.And(^BitFinalizerRun) }

// RunFinalizer invokes the finalizer, if any.
func (o *Object) RunFinalizer() {
	if o.Finalizer != nil {
		o.Finalizer(o)
	}
}

func (o *Object) String() string {
	if o.Name != "" {
		return fmt.Sprintf("%s@0x%x", o.Name, o.Addr)
	}
	return fmt.Sprintf("obj@0x%x", o.Addr)
}
