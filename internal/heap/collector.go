package heap

import "errors"

var (
	ErrUnknownObject = errors.New("heap: unknown object")
	ErrNoGCRegion    = errors.New("heap: no-gc region")
	ErrGeneration    = errors.New("heap: bad generation")
)

// LatencyMode is the collector's pause policy.
type LatencyMode int

const (
	LatencyBatch LatencyMode = iota
	LatencyInteractive
	LatencyLowLatency
	LatencySustainedLowLatency
	LatencyNoGCRegion
)

func (m LatencyMode) String() string {
	switch m {
	case LatencyBatch:
		return "batch"
	case LatencyInteractive:
		return "interactive"
	case LatencyLowLatency:
		return "low-latency"
	case LatencySustainedLowLatency:
		return "sustained-low-latency"
	case LatencyNoGCRegion:
		return "no-gc-region"
	}
	return "unknown"
}

// WeakHandle refers to an object without keeping it alive.
type WeakHandle struct {
	id int
}

// Collector is the control surface managed code uses to drive the heap.
type Collector interface {
	// Collect collects generations 0..gen; gen < 0 collects everything.
	Collect(gen int) error
	MaxGeneration() int
	CollectionCount(gen int) int
	GenerationOf(obj *Object) (int, error)
	// IsPromoted reports whether obj survived the last collection.
	IsPromoted(obj *Object) bool
	TotalMemory() uint64

	LatencyMode() LatencyMode
	SetLatencyMode(LatencyMode) LatencyMode

	NewWeakHandle(obj *Object) WeakHandle
	// WeakTarget returns nil once the target is dead.
	WeakTarget(h WeakHandle) *Object

	// RegisterForFinalize makes an object with a finalizer eligible for
	// finalization again.
	RegisterForFinalize(obj *Object) error

	StartNoGCRegion(size uint64) error
	EndNoGCRegion() error
	RegisterFullGCNotification(gen2Percent, lohPercent int) error
	CancelFullGCNotification() error
}
