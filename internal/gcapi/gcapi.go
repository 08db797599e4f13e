// Package gcapi is the collector control surface exposed to managed code.
// Each call switches the calling thread to cooperative mode around the
// heap operation.
package gcapi

import (
	"context"
	"errors"

	"gcwalk/internal/codeman"
	"gcwalk/internal/finalizer"
	"gcwalk/internal/heap"
	"gcwalk/internal/memory"
	"gcwalk/internal/stackwalk"
	"gcwalk/internal/thread"
)

// DeadWeakRef is the generation reported for a weak reference whose target
// has been collected.
const DeadWeakRef = -1

var ErrNoFinalizer = errors.New("gcapi: finalizer thread not running")

// API binds the control surface to the calling thread.
type API struct {
	Thread *thread.Thread
	Heap   heap.Collector
	// Events and Complete connect to the finalizer thread; both may be nil.
	Events   *finalizer.Events
	Complete *finalizer.Completion
}

func call[T any](a *API, fn func() (T, error)) (T, error) {
	var out T
	err := a.Thread.Cooperative(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

func (a *API) do(fn func() error) error { return a.Thread.Cooperative(fn) }

// Collect collects generations 0..gen, or all of them for gen < 0.
func (a *API) Collect(gen int) error {
	return a.do(func() error { return a.Heap.Collect(gen) })
}

// TotalMemory returns the bytes in use.
func (a *API) TotalMemory() (uint64, error) {
	return call(a, func() (uint64, error) { return a.Heap.TotalMemory(), nil })
}

func (a *API) MaxGeneration() int { return a.Heap.MaxGeneration() }

func (a *API) CollectionCount(gen int) (int, error) {
	return call(a, func() (int, error) { return a.Heap.CollectionCount(gen), nil })
}

func (a *API) GenerationOf(obj *heap.Object) (int, error) {
	return call(a, func() (int, error) { return a.Heap.GenerationOf(obj) })
}

// GenerationOfWeakRef returns the generation of h's target, or DeadWeakRef
// once the target is gone.
func (a *API) GenerationOfWeakRef(h heap.WeakHandle) (int, error) {
	return call(a, func() (int, error) {
		obj := a.Heap.WeakTarget(h)
		if obj == nil {
			return DeadWeakRef, nil
		}
		g, err := a.Heap.GenerationOf(obj)
		if errors.Is(err, heap.ErrUnknownObject) {
			return DeadWeakRef, nil
		}
		return g, err
	})
}

// SuppressFinalize stops obj's finalizer from running. It does nothing for
// objects without a finalizer.
func (a *API) SuppressFinalize(obj *heap.Object) {
	if obj.HasFinalizer() {
		obj.SetFinalizerRun()
	}
}

// ReRegisterForFinalize undoes SuppressFinalize, or makes an already
// finalized object eligible again.
func (a *API) ReRegisterForFinalize(obj *heap.Object) error {
	return a.do(func() error { return a.Heap.RegisterForFinalize(obj) })
}

// IsPromoted reports whether obj survived the last collection.
func (a *API) IsPromoted(obj *heap.Object) (bool, error) {
	return call(a, func() (bool, error) { return a.Heap.IsPromoted(obj), nil })
}

func (a *API) LatencyMode() (heap.LatencyMode, error) {
	return call(a, func() (heap.LatencyMode, error) { return a.Heap.LatencyMode(), nil })
}

// SetLatencyMode sets the mode and returns the previous one.
func (a *API) SetLatencyMode(m heap.LatencyMode) (heap.LatencyMode, error) {
	return call(a, func() (heap.LatencyMode, error) { return a.Heap.SetLatencyMode(m), nil })
}

func (a *API) StartNoGCRegion(size uint64) error {
	return a.do(func() error { return a.Heap.StartNoGCRegion(size) })
}

func (a *API) EndNoGCRegion() error {
	return a.do(a.Heap.EndNoGCRegion)
}

func (a *API) RegisterFullGCNotification(gen2Percent, lohPercent int) error {
	return a.do(func() error { return a.Heap.RegisterFullGCNotification(gen2Percent, lohPercent) })
}

func (a *API) CancelFullGCNotification() error {
	return a.do(a.Heap.CancelFullGCNotification)
}

// WaitForPendingFinalizers wakes the finalizer thread and waits for its
// pass to finish. The calling thread stays preemptive while it waits.
func (a *API) WaitForPendingFinalizers(ctx context.Context) error {
	if a.Events == nil || a.Complete == nil {
		return ErrNoFinalizer
	}
	done := a.Complete.Done()
	a.Events.SignalWork()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StackRoots reports the value of every live reference on every thread's
// stack.
func StackRoots(store *thread.Store, reg *codeman.Registry, mem memory.Memory, opts stackwalk.Options) heap.Roots {
	return func(visit func(uint64)) error {
		return store.Walk(reg, mem, opts, func(_ *thread.Thread, frames []stackwalk.Frame) error {
			for _, f := range frames {
				for _, r := range f.Refs {
					visit(r.Value)
				}
			}
			return nil
		})
	}
}
