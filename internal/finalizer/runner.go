package finalizer

import (
	"context"
	"sync"

	"gcwalk/internal/modules"
)

// Completion lets callers wait for the end of the finalizer pass that is
// running or about to run.
type Completion struct {
	mu sync.Mutex
	ch chan struct{}
}

// Done returns a channel closed by the next Signal.
func (c *Completion) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		c.ch = make(chan struct{})
	}
	return c.ch
}

// Signal wakes everyone waiting on Done.
func (c *Completion) Signal() {
	c.mu.Lock()
	if c.ch != nil {
		close(c.ch)
		c.ch = nil
	}
	c.mu.Unlock()
}

// Runner is the finalizer thread's loop.
type Runner struct {
	Waiter  *Waiter
	Queue   *Queue
	Modules *modules.Registry // may be nil
	// Collect is called when memory is low. May be nil.
	Collect func() error
	// Complete is signalled after every pass. May be nil.
	Complete *Completion
	Logf     func(format string, args ...any)
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logf != nil {
		r.Logf(format, args...)
	}
}

// Run runs the module initialization callbacks, then waits and finalizes
// until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if r.Modules != nil {
		if n := RunInitCallbacks(r.Modules); n > 0 {
			r.logf("finalizer: %d init callbacks", n)
		}
	}
	for {
		res, err := r.Waiter.Wait(ctx)
		if err != nil {
			return err
		}
		if res == ResultCollect && r.Collect != nil {
			r.logf("finalizer: low memory, collecting")
			if err := r.Collect(); err != nil {
				r.logf("finalizer: collect: %v", err)
			}
		}
		if n := r.Drain(); n > 0 {
			r.logf("finalizer: ran %d finalizers", n)
		}
		if r.Complete != nil {
			r.Complete.Signal()
		}
	}
}

// Drain runs the finalizer of every queued object and returns the count.
func (r *Runner) Drain() int {
	n := 0
	for obj := NextFinalizable(r.Queue); obj != nil; obj = NextFinalizable(r.Queue) {
		obj.RunFinalizer()
		n++
	}
	return n
}
