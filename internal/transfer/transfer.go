// Package transfer implements the deferred-operation queue that lets a
// service wake a pipe from a goroutine that is not the device thread: it
// enqueues an Operation keyed by pipe id, and the device thread drains the
// queue under the VM lock. Ordering is FIFO per pipe id; pipes are
// independent of one another.
package transfer

import "github.com/pipehost/mux/internal/pipe"

// Operation is a unit of deferred work to apply to one pipe's hardware
// endpoint once the device thread picks it up.
type Operation struct {
	Wake pipe.WakeFlags
}

type entry struct {
	id  pipe.ID
	ops []Operation
}

// Queue is a process-owned (not a package singleton — callers construct and
// pass one explicitly) deferred-operation queue. It is safe for concurrent
// Enqueue calls from any goroutine; Drain must only be called from the
// device thread.
type Queue struct {
	mu      chan struct{} // binary semaphore; Drain releases it before delivering wakes
	order   []pipe.ID
	byID    map[pipe.ID]*entry
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{
		mu:   make(chan struct{}, 1),
		byID: make(map[pipe.ID]*entry),
	}
}

func (q *Queue) lock()   { q.mu <- struct{}{} }
func (q *Queue) unlock() { <-q.mu }

// Enqueue appends op to id's per-pipe sub-queue. Safe to call from any
// goroutine, including host callback threads outside the VM lock.
func (q *Queue) Enqueue(id pipe.ID, op Operation) {
	q.lock()
	defer q.unlock()
	e, ok := q.byID[id]
	if !ok {
		e = &entry{id: id}
		q.byID[id] = e
		q.order = append(q.order, id)
	}
	e.ops = append(e.ops, op)
}

// Abort discards all queued operations for id, called when a pipe
// transitions to Closed so stale wakes never reach a destroyed endpoint.
func (q *Queue) Abort(id pipe.ID) {
	q.lock()
	defer q.unlock()
	if _, ok := q.byID[id]; !ok {
		return
	}
	delete(q.byID, id)
	for i, pid := range q.order {
		if pid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Drain applies every queued operation, in FIFO order per pipe, by handing
// each one to resolve to look up the live hardware endpoint and deliver the
// wake. If resolve reports the pipe is gone, that pipe's remaining
// operations are dropped without delivery. Must be called from the device
// thread while holding the VM lock.
func (q *Queue) Drain(resolve func(pipe.ID) (pipe.HardwareEndpoint, bool)) {
	q.lock()
	order := q.order
	byID := q.byID
	q.order = nil
	q.byID = make(map[pipe.ID]*entry)
	q.unlock()

	for _, id := range order {
		e := byID[id]
		hw, ok := resolve(id)
		if !ok {
			continue
		}
		for _, op := range e.ops {
			hw.SignalWake(op.Wake)
		}
	}
}

// Pending reports how many pipes currently have queued operations, for
// diagnostics and tests.
func (q *Queue) Pending() int {
	q.lock()
	defer q.unlock()
	return len(q.order)
}
