// Package finalizer coordinates the collector with the finalizer thread:
// the wait for work, the queue of objects to finalize, and the loop that
// runs them.
package finalizer

import (
	"context"
	"time"
)

// DefaultTimeout bounds the wait that follows a low-memory wake-up.
const DefaultTimeout = 2000 * time.Millisecond

// State is the waiter's state.
type State uint8

const (
	WaitingNormal State = iota
	WaitingAfterLowMemory
)

func (s State) String() string {
	if s == WaitingAfterLowMemory {
		return "waiting-after-low-memory"
	}
	return "waiting-normal"
}

// Event is what ended one blocking wait.
type Event uint8

const (
	EventWork Event = iota
	EventLowMemory
	EventTimeout
)

func (e Event) String() string {
	switch e {
	case EventWork:
		return "work"
	case EventLowMemory:
		return "lowmem"
	case EventTimeout:
		return "timeout"
	}
	return "?"
}

// Result tells the finalizer thread what to do after a wait.
type Result uint8

const (
	// ResultNone means wait again.
	ResultNone Result = iota
	// ResultFinalize means drain the queue.
	ResultFinalize
	// ResultCollect means memory is low: collect, then drain.
	ResultCollect
)

func (r Result) String() string {
	switch r {
	case ResultFinalize:
		return "finalize"
	case ResultCollect:
		return "collect"
	}
	return "none"
}

// Next is the waiter's transition function.
//
// After a low-memory wake-up the next wait ignores low memory and gives
// up after a timeout, so an unrelieved low-memory condition triggers at
// most one collection per timeout.
func Next(s State, e Event) (State, Result) {
	switch s {
	case WaitingNormal:
		switch e {
		case EventWork:
			return WaitingNormal, ResultFinalize
		case EventLowMemory:
			return WaitingAfterLowMemory, ResultCollect
		}
	case WaitingAfterLowMemory:
		switch e {
		case EventWork:
			return WaitingNormal, ResultFinalize
		case EventTimeout:
			return WaitingNormal, ResultNone
		}
	}
	return s, ResultNone
}

// Waiter blocks the finalizer thread until there is something to do. It is
// used from a single goroutine.
type Waiter struct {
	Work <-chan struct{}
	// LowMemory may be nil when low-memory notification is unavailable;
	// the waiter then waits for work only.
	LowMemory <-chan struct{}
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// After starts a timer; it defaults to time.After.
	After func(time.Duration) <-chan time.Time

	state State
}

// State returns the current state.
func (w *Waiter) State() State { return w.state }

// Wait blocks until the finalizer thread should finalize or collect. The
// context is for shutting the thread down.
func (w *Waiter) Wait(ctx context.Context) (Result, error) {
	for {
		var ev Event
		switch w.state {
		case WaitingAfterLowMemory:
			timeout := w.Timeout
			if timeout <= 0 {
				timeout = DefaultTimeout
			}
			after := w.After
			if after == nil {
				after = time.After
			}
			select {
			case <-ctx.Done():
				return ResultNone, ctx.Err()
			case <-w.Work:
				ev = EventWork
			case <-after(timeout):
				ev = EventTimeout
			}
		default:
			select {
			case <-ctx.Done():
				return ResultNone, ctx.Err()
			case <-w.Work:
				ev = EventWork
			case <-w.LowMemory:
				ev = EventLowMemory
			}
		}
		var res Result
		w.state, res = Next(w.state, ev)
		if res != ResultNone {
			return res, nil
		}
	}
}

// Events are the auto-reset signals the waiter consumes. Signalling an
// already-signalled event is a no-op.
type Events struct {
	work      chan struct{}
	lowMemory chan struct{}
}

// NewEvents returns unsignalled events.
func NewEvents() *Events {
	return &Events{
		work:      make(chan struct{}, 1),
		lowMemory: make(chan struct{}, 1),
	}
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

// SignalWork reports that the queue has objects to finalize.
func (e *Events) SignalWork() { signal(e.work) }

// SignalLowMemory reports that memory is low.
func (e *Events) SignalLowMemory() { signal(e.lowMemory) }

// Waiter returns a waiter on e.
func (e *Events) Waiter() *Waiter {
	return &Waiter{Work: e.work, LowMemory: e.lowMemory}
}
