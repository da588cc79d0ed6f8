// Package fifomutex implements a mutex that grants access in strict
// first-come-first-served order, for the Supervisor's option-reload path
// (spec.md: concurrent setOptions calls must not starve or reorder each
// other). It has no direct teacher precedent as a standalone type, but it
// is built the way the teacher's worker pool guards concurrent access to a
// fixed resource (pool.go's qjsPool.workers): a buffered channel used as a
// token, which Go's runtime already wakes in FIFO order across blocked
// receivers, rather than sync.Mutex (whose acquisition order is
// unspecified and, under contention, can let a newly arriving goroutine
// barge ahead of one that has been waiting longer).
package fifomutex

import (
	"context"
	"sync/atomic"
)

// Mutex is a context-aware, strictly-ordered mutual exclusion lock.
type Mutex struct {
	token   chan struct{}
	waiters int64
}

// New returns an unlocked Mutex.
func New() *Mutex {
	m := &Mutex{token: make(chan struct{}, 1)}
	m.token <- struct{}{}
	return m
}

// Acquire blocks until the mutex is held or ctx is done, whichever comes
// first. On success it returns a release func that must be called exactly
// once to hand the mutex to the next waiter in line. Waiters queue in the
// order Acquire was called, matching the channel runtime's FIFO wakeup of
// blocked receivers.
func (m *Mutex) Acquire(ctx context.Context) (release func(), err error) {
	atomic.AddInt64(&m.waiters, 1)
	defer atomic.AddInt64(&m.waiters, -1)

	select {
	case <-m.token:
		return m.release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Mutex) release() {
	m.token <- struct{}{}
}

// Waiters reports the number of goroutines currently blocked in Acquire.
// It is a snapshot, not a synchronization primitive; the Supervisor reads
// it after a commit to tell whether further SetOptions calls are queued.
func (m *Mutex) Waiters() int {
	return int(atomic.LoadInt64(&m.waiters))
}
