// Package svcregistry is the name-to-factory lookup table services are
// registered in before the Pipe Manager starts serving guest opens.
package svcregistry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pipehost/mux/internal/pipe"
)

// Factory constructs and restores instances of one named service.
type Factory interface {
	// Create returns a new ServicePipe bound to args (the text following
	// the second colon in "pipe:name:args", or "" if none was given).
	Create(hw pipe.HardwareEndpoint, args string) (pipe.ServicePipe, error)

	// CanLoad reports whether this service supports being restored from a
	// snapshot. Services that return false are force-closed on load.
	CanLoad() bool

	// Load restores a ServicePipe from a snapshot reader. Only called when
	// CanLoad reports true.
	Load(hw pipe.HardwareEndpoint, r SnapshotReader) (pipe.ServicePipe, error)

	// PreSave and PostSave bracket a save pass; PreLoad and PostLoad
	// bracket a load pass. Any of the four may be a no-op.
	PreSave()
	PostSave()
	PreLoad()
	PostLoad()
}

// SnapshotReader is the minimal surface Load needs to pull bytes back out
// of a snapshot stream.
type SnapshotReader interface {
	Read(p []byte) (int, error)
}

// ErrDuplicate is returned by Register when a name is already taken.
var ErrDuplicate = fmt.Errorf("svcregistry: duplicate service name")

// ErrFrozen is returned by Register once the registry has been frozen.
var ErrFrozen = fmt.Errorf("svcregistry: registry is frozen")

// Registry is a name-to-Factory lookup table. It is safe for concurrent use,
// though in practice all Register calls happen at startup before Freeze.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Factory
	frozen atomic.Bool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byName: make(map[string]Factory)}
}

// Register adds a factory under name. It fails if the name is taken or the
// registry has already been frozen.
func (r *Registry) Register(name string, f Factory) error {
	if r.frozen.Load() {
		return fmt.Errorf("register %q: %w", name, ErrFrozen)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("register %q: %w", name, ErrDuplicate)
	}
	r.byName[name] = f
	return nil
}

// Lookup returns the factory registered under name, if any.
func (r *Registry) Lookup(name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byName[name]
	return f, ok
}

// Freeze stops further registration. Called once by the Pipe Manager before
// it serves the first guest open.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// ResetAll clears every registration and unfreezes the registry. Intended
// for tests that need a clean registry between cases.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName = make(map[string]Factory)
	r.frozen.Store(false)
}

// Names returns the set of registered service names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	return names
}

// ForEachPreSave invokes PreSave on every registered factory, called once
// before a Manager.Save pass begins.
func (r *Registry) ForEachPreSave() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.byName {
		f.PreSave()
	}
}

// ForEachPostSave invokes PostSave on every registered factory.
func (r *Registry) ForEachPostSave() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.byName {
		f.PostSave()
	}
}

// ForEachPreLoad invokes PreLoad on every registered factory.
func (r *Registry) ForEachPreLoad() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.byName {
		f.PreLoad()
	}
}

// ForEachPostLoad invokes PostLoad on every registered factory.
func (r *Registry) ForEachPostLoad() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.byName {
		f.PostLoad()
	}
}
