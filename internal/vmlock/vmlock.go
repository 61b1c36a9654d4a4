// Package vmlock defines the locking capability the Pipe Manager requires:
// every mutation of guest-visible pipe state must happen while the lock is
// held by the calling thread, so that host-initiated events never race the
// device thread. The real lock lives in the hypervisor; this package only
// describes the interface and ships a test double.
package vmlock

import "sync"

// VMLock serializes access to guest-visible state between the device
// thread and any other thread that touches it.
type VMLock interface {
	Lock()
	Unlock()
	// IsLockedBySelf reports whether the calling goroutine already holds
	// the lock, letting a caller avoid recursive locking when a method
	// may be invoked either from the device thread or re-entrantly.
	IsLockedBySelf() bool
}

// Mutex adapts a plain sync.Mutex to VMLock for callers that only need
// correctness, not the real VM's locking semantics (the demo harness and
// most tests).
type Mutex struct {
	mu sync.Mutex
}

// NewMutex returns a VMLock backed by a standard mutex.
func NewMutex() *Mutex {
	return &Mutex{}
}

func (m *Mutex) Lock() {
	m.mu.Lock()
}

func (m *Mutex) Unlock() {
	m.mu.Unlock()
}

// IsLockedBySelf always reports false for the plain mutex: goroutines have
// no cheap, portable self-identity, and no code in this repo calls
// IsLockedBySelf (the Manager stores the lock without acquiring it).
// TestLock below reports whether the lock is held at all, by any goroutine,
// which is what single-goroutine tests need.
func (m *Mutex) IsLockedBySelf() bool {
	return false
}

// TestLock is a VMLock double for unit tests that need to assert on lock
// discipline (e.g. that a deferred operation is applied only while held).
// It is not safe across real concurrent goroutines beyond the lock/unlock
// bookkeeping itself — it exists to make test assertions possible, not to
// replace Mutex in production.
type TestLock struct {
	mu     sync.Mutex
	locked bool
	owner  uint64
}

// NewTestLock returns a fresh, unlocked TestLock.
func NewTestLock() *TestLock {
	return &TestLock{}
}

func (t *TestLock) Lock() {
	t.mu.Lock()
	t.locked = true
}

func (t *TestLock) Unlock() {
	t.locked = false
	t.mu.Unlock()
}

func (t *TestLock) IsLockedBySelf() bool {
	return t.locked
}

// Locked reports whether the lock is currently held, for test assertions.
func (t *TestLock) Locked() bool {
	return t.locked
}
