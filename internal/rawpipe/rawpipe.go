// Package rawpipe implements the Connector/Bound/Closed state machine that
// sits between a hardware endpoint and a named service pipe.
package rawpipe

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pipehost/mux/internal/pipe"
	"github.com/pipehost/mux/internal/svcregistry"
)

// maxServiceNameLen bounds the "pipe:name:args" handshake buffer. A
// connector that never sees a NUL within this many bytes is closed with
// ErrInvalid rather than growing without bound.
const maxServiceNameLen = 128

// handshakePrefix is the mandatory literal every connector handshake starts
// with: "pipe:<name>[:<args>]\x00".
const handshakePrefix = "pipe:"

// state tags which variant of the pipe this Endpoint currently is.
type state int

const (
	stateConnector state = iota
	stateBound
	stateClosed
)

// Endpoint is the host-facing half of one pipe: a Connector accumulating a
// service name, a Bound endpoint delegating to a ServicePipe, or a Closed
// endpoint remembering why.
type Endpoint struct {
	id  pipe.ID
	hw  pipe.HardwareEndpoint
	reg *svcregistry.Registry

	st state

	// Connector state.
	nameBuf bytes.Buffer

	// Bound state.
	svc     pipe.ServicePipe
	svcName string

	// Closed state.
	closeErr error
}

// NewConnector returns a fresh Endpoint in the Connector state, waiting for
// a "pipe:name[:args]\x00" handshake.
func NewConnector(id pipe.ID, hw pipe.HardwareEndpoint, reg *svcregistry.Registry) *Endpoint {
	return &Endpoint{id: id, hw: hw, reg: reg, st: stateConnector}
}

// ID returns the pipe identifier this endpoint was created for.
func (e *Endpoint) ID() pipe.ID { return e.id }

// HardwareEndpoint returns the hardware endpoint this pipe was opened
// against, used by the transfer engine to deliver deferred wake signals.
func (e *Endpoint) HardwareEndpoint() pipe.HardwareEndpoint { return e.hw }

// IsClosed reports whether the endpoint has transitioned to Closed.
func (e *Endpoint) IsClosed() bool { return e.st == stateClosed }

// CloseError returns the error that closed the endpoint: the handshake or
// bind failure, or pipe.ErrClosed after an ordinary Close. It is nil while
// the endpoint is open.
func (e *Endpoint) CloseError() error { return e.closeErr }

// Poll reports the current readiness of the endpoint.
func (e *Endpoint) Poll() pipe.PollFlags {
	switch e.st {
	case stateConnector:
		return pipe.PollOut
	case stateBound:
		return e.svc.OnGuestPoll()
	default:
		return pipe.PollHangUp
	}
}

// Recv delegates to the bound service; Connector and Closed states never
// produce data.
func (e *Endpoint) Recv(v pipe.Vector) (int, error) {
	switch e.st {
	case stateConnector:
		return 0, pipe.ErrAgain
	case stateBound:
		return e.svc.OnGuestRecv(v)
	default:
		return 0, pipe.ErrClosed
	}
}

// Send feeds bytes into the endpoint. In Connector state it accumulates into
// the name buffer until a NUL byte completes the handshake; any bytes past
// the NUL in the same call are delivered to the newly bound service in the
// same call, with no round trip back to the caller.
func (e *Endpoint) Send(v pipe.Vector) (int, error) {
	switch e.st {
	case stateBound:
		n, res, err := e.svc.OnGuestSend(v)
		if res.Rebind != nil {
			e.svc = res.Rebind
		}
		return n, err
	case stateClosed:
		return 0, pipe.ErrClosed
	}

	consumed := 0
	for si, seg := range v {
		for i, b := range seg.Data {
			if e.nameBuf.Len() >= maxServiceNameLen {
				e.st = stateClosed
				e.closeErr = fmt.Errorf("rawpipe: service name exceeds %d bytes: %w", maxServiceNameLen, pipe.ErrInvalid)
				return consumed, e.closeErr
			}
			if b == 0 {
				consumed++
				if err := e.bind(); err != nil {
					e.st = stateClosed
					e.closeErr = err
					return consumed, err
				}
				// Hand the remainder of this call — the rest of this
				// segment plus any trailing segments — to the newly
				// bound service, in the same call.
				tail := make(pipe.Vector, 0, len(v)-si)
				if rest := seg.Data[i+1:]; len(rest) > 0 {
					tail = append(tail, pipe.Segment{Data: rest})
				}
				tail = append(tail, v[si+1:]...)
				if len(tail) > 0 {
					n, res, err := e.svc.OnGuestSend(tail)
					if res.Rebind != nil {
						e.svc = res.Rebind
					}
					consumed += n
					return consumed, err
				}
				return consumed, nil
			}
			e.nameBuf.WriteByte(b)
			consumed++
		}
	}
	return consumed, nil
}

// bind parses the accumulated name buffer as "pipe:name[:args]", looks the
// name up in the registry, and transitions to Bound on success.
func (e *Endpoint) bind() error {
	full := e.nameBuf.String()
	e.nameBuf.Reset()

	rest, ok := strings.CutPrefix(full, handshakePrefix)
	if !ok {
		return fmt.Errorf("rawpipe: handshake %q missing %q prefix: %w", full, handshakePrefix, pipe.ErrInvalid)
	}
	name, args, _ := strings.Cut(rest, ":")

	factory, ok := e.reg.Lookup(name)
	if !ok {
		return fmt.Errorf("rawpipe: unknown service %q: %w", name, pipe.ErrInvalid)
	}
	svc, err := factory.Create(e.hw, args)
	if err != nil {
		return fmt.Errorf("rawpipe: service %q refused connection: %w", name, err)
	}
	e.svc = svc
	e.svcName = name
	e.st = stateBound
	return nil
}

// BoundServiceName returns the name this endpoint bound to and whether it
// has bound yet.
func (e *Endpoint) BoundServiceName() (string, bool) {
	if e.st != stateConnector && e.svcName != "" {
		return e.svcName, true
	}
	return "", false
}

// AdoptBound puts the endpoint directly into Bound state with svc under
// name, used by Manager.Load to reconstruct a pipe restored from a
// snapshot without re-running the name handshake.
func (e *Endpoint) AdoptBound(svc pipe.ServicePipe, name string) {
	e.svc = svc
	e.svcName = name
	e.st = stateBound
}

// Close transitions the endpoint to Closed, notifying the bound service if
// any, and is idempotent.
func (e *Endpoint) Close(reason pipe.CloseReason) {
	if e.st == stateClosed {
		return
	}
	if e.st == stateBound {
		e.svc.OnGuestClose(reason)
	}
	e.st = stateClosed
	if e.closeErr == nil {
		e.closeErr = pipe.ErrClosed
	}
}

// WantWakeOn forwards a wake subscription to the bound service.
func (e *Endpoint) WantWakeOn(flags pipe.WakeFlags) {
	if e.st == stateBound {
		e.svc.OnGuestWantWakeOn(flags)
	}
}

// Service returns the bound ServicePipe, or nil if not yet bound.
func (e *Endpoint) Service() pipe.ServicePipe {
	if e.st == stateBound {
		return e.svc
	}
	return nil
}
