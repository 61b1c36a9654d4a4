// Package devicesim is an in-memory HardwareEndpoint implementation used by
// the demo harness and by tests that need a guest-like driver without a
// real virtual device behind it.
package devicesim

import (
	"sync"

	"github.com/pipehost/mux/internal/pipe"
)

// Endpoint is a test/demo HardwareEndpoint: SignalWake and CloseFromHost
// just record what happened so a caller (or a test) can assert on it.
type Endpoint struct {
	mu          sync.Mutex
	id          pipe.ID
	wakes       []pipe.WakeFlags
	closed      bool
	closeReason pipe.CloseReason
}

// New returns an Endpoint for id.
func New(id pipe.ID) *Endpoint {
	return &Endpoint{id: id}
}

// ID implements pipe.HardwareEndpoint.
func (e *Endpoint) ID() pipe.ID { return e.id }

// CloseFromHost implements pipe.HardwareEndpoint.
func (e *Endpoint) CloseFromHost(reason pipe.CloseReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.closeReason = reason
}

// SignalWake implements pipe.HardwareEndpoint.
func (e *Endpoint) SignalWake(flags pipe.WakeFlags) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wakes = append(e.wakes, flags)
}

// Wakes returns every wake signal delivered so far, for assertions.
func (e *Endpoint) Wakes() []pipe.WakeFlags {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]pipe.WakeFlags(nil), e.wakes...)
}

// Closed reports whether CloseFromHost has been called, and with what
// reason.
func (e *Endpoint) Closed() (bool, pipe.CloseReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed, e.closeReason
}
