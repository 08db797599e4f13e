package finalizer

import (
	"sync"

	"gcwalk/internal/heap"
	"gcwalk/internal/modules"
)

type node struct {
	obj  *heap.Object
	next *node
}

// Queue is the FIFO of objects waiting for their finalizer. The collector
// pushes during a pause; the finalizer thread pops. The zero value is an
// empty queue.
type Queue struct {
	mu         sync.Mutex
	head, tail *node
	n          int
}

// Push appends obj.
func (q *Queue) Push(obj *heap.Object) {
	nd := &node{obj: obj}
	q.mu.Lock()
	if q.tail != nil {
		q.tail.next = nd
	}
	q.tail = nd
	if q.head == nil {
		q.head = nd
	}
	q.n++
	q.mu.Unlock()
}

// Pop removes and returns the oldest object, or nil.
func (q *Queue) Pop() *heap.Object {
	q.mu.Lock()
	defer q.mu.Unlock()
	nd := q.head
	if nd == nil {
		return nil
	}
	q.head = nd.next
	if q.tail == nd {
		q.tail = nil
	}
	q.n--
	return nd.obj
}

// Len returns the number of queued objects.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Each calls fn for every queued object, oldest first. fn must not use q.
func (q *Queue) Each(fn func(*heap.Object)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for nd := q.head; nd != nil; nd = nd.next {
		fn(nd.obj)
	}
}

var _ heap.FinalizationQueue = (*Queue)(nil)

// NextFinalizable pops the next object whose finalizer should run. Objects
// whose finalizer was suppressed after they were queued are dropped and
// their marker cleared. It returns nil once the queue is empty.
func NextFinalizable(q *Queue) *heap.Object {
	for {
		obj := q.Pop()
		if obj == nil {
			return nil
		}
		if obj.FinalizerRun() {
			obj.ClearFinalizerRun()
			continue
		}
		return obj
	}
}

// NextInitCallback returns the finalizer initialization callback of the
// next class library module that has not run it yet, marking the module
// done. Modules without a callback are marked done and skipped. It returns
// nil when no module is left.
func NextInitCallback(reg *modules.Registry) func() {
	for _, m := range reg.Modules() {
		if !m.ClassLib || m.FinalizerInitComplete() {
			continue
		}
		if !m.ClaimFinalizerInit() {
			continue
		}
		if m.FinalizerInit != nil {
			return m.FinalizerInit
		}
	}
	return nil
}

// RunInitCallbacks runs every pending initialization callback and returns
// how many ran.
func RunInitCallbacks(reg *modules.Registry) int {
	n := 0
	for cb := NextInitCallback(reg); cb != nil; cb = NextInitCallback(reg) {
		cb()
		n++
	}
	return n
}
