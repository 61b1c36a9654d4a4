// Package pipemgr implements the Pipe Manager: the device-facing entry
// points that create, drive, close, and snapshot every pipe, guarded by a
// single VM lock.
package pipemgr

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/pipehost/mux/internal/pipe"
	"github.com/pipehost/mux/internal/rawpipe"
	"github.com/pipehost/mux/internal/svcregistry"
	"github.com/pipehost/mux/internal/transfer"
	"github.com/pipehost/mux/internal/vmlock"
)

// closedCacheSize bounds the purely-diagnostic record of recently closed
// pipe ids. Eviction here never affects correctness — a lookup miss just
// falls back to the generic "unknown pipe" message.
const closedCacheSize = 256

// Manager owns the live-pipe table and mediates every guest-facing
// operation. All of its Guest* methods assume the caller already holds the
// VM lock, matching the single device-thread cooperative model; InitThreading
// wires the lock but does not acquire it on the caller's behalf.
type Manager struct {
	reg   *svcregistry.Registry
	queue *transfer.Queue
	lock  vmlock.VMLock

	nextID atomic.Int64

	mu        sync.Mutex
	live      map[pipe.ID]*rawpipe.Endpoint
	boundName map[pipe.ID]string // service name each pipe bound to, for Save
	closed    *lru.Cache         // pipe.ID -> time.Time, diagnostics only
}

// New returns a Manager bound to reg for service lookup. InitThreading must
// be called once, before the first GuestOpen, to supply the VM lock.
func New(reg *svcregistry.Registry) *Manager {
	c, err := lru.New(closedCacheSize)
	if err != nil {
		// Only fails for a non-positive size, which closedCacheSize never is.
		panic(fmt.Sprintf("pipemgr: lru.New: %v", err))
	}
	return &Manager{
		reg:    reg,
		queue:  transfer.New(),
		live:   make(map[pipe.ID]*rawpipe.Endpoint),
		closed: c,
	}
}

// InitThreading installs the VM lock and freezes the service registry.
// Called once at startup, before any GuestOpen.
func (m *Manager) InitThreading(lock vmlock.VMLock) {
	m.lock = lock
	m.reg.Freeze()
}

// GuestOpen allocates a new pipe id and returns a fresh Connector endpoint
// bound to hw.
func (m *Manager) GuestOpen(hw pipe.HardwareEndpoint) pipe.ID {
	id := pipe.ID(m.nextID.Add(1))
	ep := rawpipe.NewConnector(id, hw, m.reg)

	m.mu.Lock()
	m.live[id] = ep
	m.mu.Unlock()
	return id
}

// GuestOpenWithFlags behaves exactly like GuestOpen: the open-time flags are
// accepted and discarded, since no service varies behavior by open mode. It
// exists to mirror the device-facing signature.
func (m *Manager) GuestOpenWithFlags(hw pipe.HardwareEndpoint, _ uint32) pipe.ID {
	return m.GuestOpen(hw)
}

func (m *Manager) lookup(id pipe.ID) (*rawpipe.Endpoint, error) {
	m.mu.Lock()
	ep, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		if v, hit := m.closed.Get(id); hit {
			return nil, fmt.Errorf("pipemgr: pipe %d closed %s ago: %w", id, time.Since(v.(time.Time)), pipe.ErrClosed)
		}
		return nil, fmt.Errorf("pipemgr: unknown pipe %d: %w", id, pipe.ErrInvalid)
	}
	return ep, nil
}

// GuestClose closes a pipe, removes it from the live table, and aborts any
// queued wake operations for it.
func (m *Manager) GuestClose(id pipe.ID, reason pipe.CloseReason) {
	m.mu.Lock()
	ep, ok := m.live[id]
	if ok {
		delete(m.live, id)
		m.closed.Add(id, time.Now())
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	ep.Close(reason)
	m.queue.Abort(id)
}

// GuestPoll reports the current readiness of a pipe.
func (m *Manager) GuestPoll(id pipe.ID) (pipe.PollFlags, error) {
	ep, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	return ep.Poll(), nil
}

// GuestRecv delivers buffered data into v.
func (m *Manager) GuestRecv(id pipe.ID, v pipe.Vector) (int, error) {
	ep, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	return m.guarded(ep, func() (int, error) { return ep.Recv(v) })
}

// GuestSend delivers v into a pipe.
func (m *Manager) GuestSend(id pipe.ID, v pipe.Vector) (int, error) {
	ep, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	n, sendErr := m.guarded(ep, func() (int, error) { return ep.Send(v) })
	if name, ok := ep.BoundServiceName(); ok {
		m.mu.Lock()
		if _, tracked := m.boundName[id]; !tracked {
			if m.boundName == nil {
				m.boundName = make(map[pipe.ID]string)
			}
			m.boundName[id] = name
		}
		m.mu.Unlock()
	}
	return n, sendErr
}

// guarded recovers a panicking service implementation, converting it to
// ErrIO plus a log line instead of letting it cross the Manager boundary.
func (m *Manager) guarded(ep *rawpipe.Endpoint, f func() (int, error)) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pipemgr: service for pipe %d panicked: %v", ep.ID(), r)
			n, err = 0, pipe.ErrIO
		}
	}()
	return f()
}

// GuestWakeOn registers the wake events the guest wants to be notified of.
func (m *Manager) GuestWakeOn(id pipe.ID, flags pipe.WakeFlags) error {
	ep, err := m.lookup(id)
	if err != nil {
		return err
	}
	ep.WantWakeOn(flags)
	return nil
}

// Queue exposes the transfer engine so services can enqueue deferred wakes.
func (m *Manager) Queue() *transfer.Queue {
	return m.queue
}

// DrainWakes drains the transfer engine, delivering queued wake signals to
// their hardware endpoints. Must run on the device thread.
func (m *Manager) DrainWakes() {
	m.queue.Drain(func(id pipe.ID) (pipe.HardwareEndpoint, bool) {
		ep, err := m.lookup(id)
		if err != nil {
			return nil, false
		}
		return ep.HardwareEndpoint(), true
	})
}

// LivePipes returns a snapshot of currently live pipe ids, for diagnostics.
func (m *Manager) LivePipes() []pipe.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]pipe.ID, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown force-closes every live pipe concurrently, returning the first
// error encountered, if any.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]pipe.ID, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			m.GuestClose(id, pipe.CloseError)
			return nil
		})
	}
	return g.Wait()
}
