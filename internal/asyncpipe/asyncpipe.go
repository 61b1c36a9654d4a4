// Package asyncpipe layers a length-prefixed message protocol on top of a
// raw byte pipe: a receive parser reassembles framed messages from whatever
// chunking the guest sends in, and an outbound FIFO holds host-produced
// messages until the guest drains them via OnGuestRecv.
package asyncpipe

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pipehost/mux/internal/pipe"
)

const (
	// DefaultMaxQueuedBytes bounds the outbound FIFO. A Send past this
	// cap fails with pipe.ErrIO rather than growing the queue without
	// bound for a guest that never drains.
	DefaultMaxQueuedBytes = 4 * 1024 * 1024

	// MaxMessageBytes bounds a single incoming message. The length
	// prefix is validated before any payload buffer is allocated, so an
	// oversize length can never force an allocation.
	MaxMessageBytes = 16 * 1024 * 1024

	lengthPrefixSize = 4
)

// Handle identifies one async pipe, backed by a random uuid rather than a
// process-local counter. Snapshot and Restore do not carry the handle: a
// Pipe created to receive restored state gets a fresh handle from New.
type Handle string

// NewHandle returns a fresh, random Handle.
func NewHandle() Handle {
	return Handle(uuid.NewString())
}

type parserState int

const (
	expectingLength parserState = iota
	expectingPayload
)

// Pipe is one async message pipe: a receive parser, an outbound FIFO, and
// the handle used to address it for sends that may race its destruction.
type Pipe struct {
	handle Handle

	onMessage func(msg []byte)

	mu    sync.Mutex
	state parserState

	lenBuf    [lengthPrefixSize]byte
	lenHave   int
	payload   []byte
	payloadAt int
	wantLen   uint32

	outbound      [][]byte
	outboundBytes int
	maxQueued     int

	destroyed bool
}

// New returns a Pipe with a fresh handle. onMessage is invoked synchronously
// (under the caller's lock discipline) whenever a complete frame arrives.
func New(onMessage func(msg []byte)) *Pipe {
	return &Pipe{
		handle:    NewHandle(),
		onMessage: onMessage,
		maxQueued: DefaultMaxQueuedBytes,
	}
}

// Handle returns this pipe's stable identifier.
func (p *Pipe) Handle() Handle {
	return p.handle
}

// SetOnMessage replaces the message callback. Used when the callback needs
// to close over something constructed after the Pipe itself — an echo
// responder that calls back into its own Service, for instance.
func (p *Pipe) SetOnMessage(onMessage func(msg []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = onMessage
}

// Feed processes raw bytes arriving from the guest, reassembling length-
// prefixed frames and invoking onMessage for each complete one.
func (p *Pipe) Feed(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return pipe.ErrClosed
	}

	for len(data) > 0 {
		switch p.state {
		case expectingLength:
			n := copy(p.lenBuf[p.lenHave:], data)
			p.lenHave += n
			data = data[n:]
			if p.lenHave < lengthPrefixSize {
				continue
			}
			want := binary.LittleEndian.Uint32(p.lenBuf[:])
			if want > MaxMessageBytes {
				p.destroyed = true
				return fmt.Errorf("asyncpipe: message length %d exceeds %d: %w", want, MaxMessageBytes, pipe.ErrIO)
			}
			p.wantLen = want
			p.payload = make([]byte, want)
			p.payloadAt = 0
			p.lenHave = 0
			p.state = expectingPayload

		case expectingPayload:
			n := copy(p.payload[p.payloadAt:], data)
			p.payloadAt += n
			data = data[n:]
			if p.payloadAt < len(p.payload) {
				continue
			}
			msg := p.payload
			p.payload = nil
			p.payloadAt = 0
			p.state = expectingLength
			if cb := p.onMessage; cb != nil {
				// Release the pipe's lock around the callback so it may
				// call Send on this same pipe.
				p.mu.Unlock()
				cb(msg)
				p.mu.Lock()
				if p.destroyed {
					return pipe.ErrClosed
				}
			}
		}
	}
	return nil
}

// Send enqueues msg for delivery to the guest, framed with its length
// prefix. Fails with pipe.ErrIO if the outbound FIFO is at capacity.
func (p *Pipe) Send(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return pipe.ErrClosed
	}
	framed := make([]byte, lengthPrefixSize+len(msg))
	binary.LittleEndian.PutUint32(framed, uint32(len(msg)))
	copy(framed[lengthPrefixSize:], msg)

	if p.outboundBytes+len(framed) > p.maxQueued {
		return fmt.Errorf("asyncpipe: outbound queue full (%d bytes queued): %w", p.outboundBytes, pipe.ErrIO)
	}
	p.outbound = append(p.outbound, framed)
	p.outboundBytes += len(framed)
	return nil
}

// Drain consumes up to max bytes of outbound framed data, returning what it
// removed from the FIFO. Partial frames are never split across calls from
// different Send invocations; individual Send'd frames may still span
// multiple Drain calls, matching how guest recv buffers vary in size.
func (p *Pipe) Drain(max int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]byte, 0, max)
	for len(p.outbound) > 0 && len(out) < max {
		head := p.outbound[0]
		room := max - len(out)
		if room >= len(head) {
			out = append(out, head...)
			p.outboundBytes -= len(head)
			p.outbound = p.outbound[1:]
		} else {
			out = append(out, head[:room]...)
			p.outbound[0] = head[room:]
			p.outboundBytes -= room
		}
	}
	return out
}

// HasOutbound reports whether any bytes remain queued for the guest.
func (p *Pipe) HasOutbound() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outbound) > 0
}

// Destroy marks the pipe gone. After this call, Feed and Send fail with
// pipe.ErrClosed instead of touching freed state.
func (p *Pipe) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
	p.outbound = nil
	p.outboundBytes = 0
}

// ParserSnapshot captures the receive parser's state for Save: the 8-bit
// state tag plus up to 4 bytes of partial length-prefix accumulator, per
// the wire contract's async-pipe extension.
type ParserSnapshot struct {
	State     uint8
	LenBuf    [4]byte
	LenHave   int
	WantLen   uint32
	Payload   []byte
	PayloadAt int
}

// Snapshot returns the current parser state for persistence.
func (p *Pipe) Snapshot() ParserSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ParserSnapshot{
		State:     uint8(p.state),
		LenBuf:    p.lenBuf,
		LenHave:   p.lenHave,
		WantLen:   p.wantLen,
		Payload:   append([]byte(nil), p.payload...),
		PayloadAt: p.payloadAt,
	}
}

// Restore reinstates a previously captured parser state, used when loading
// a pipe from a snapshot.
func (p *Pipe) Restore(s ParserSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = parserState(s.State)
	p.lenBuf = s.LenBuf
	p.lenHave = s.LenHave
	p.wantLen = s.WantLen
	p.payload = append([]byte(nil), s.Payload...)
	p.payloadAt = s.PayloadAt
}

// Registry maps Handles to their Pipe, returning "gone" for any handle
// whose pipe has been destroyed rather than a dangling reference.
type Registry struct {
	mu  sync.RWMutex
	byH map[Handle]*Pipe
}

// NewRegistry returns an empty handle registry.
func NewRegistry() *Registry {
	return &Registry{byH: make(map[Handle]*Pipe)}
}

// Add registers p under its own handle.
func (r *Registry) Add(p *Pipe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byH[p.handle] = p
}

// Get returns the pipe for handle, or false if it was never registered or
// has since been removed via Remove.
func (r *Registry) Get(h Handle) (*Pipe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byH[h]
	return p, ok
}

// Remove destroys and unregisters the pipe for handle. Safe to call
// concurrently with Send attempts against the same handle: once Remove
// returns, Get reports the handle gone for every subsequent caller.
func (r *Registry) Remove(h Handle) {
	r.mu.Lock()
	p, ok := r.byH[h]
	delete(r.byH, h)
	r.mu.Unlock()
	if ok {
		p.Destroy()
	}
}

// SendTo looks up handle and sends msg to it, reporting pipe.ErrClosed if
// the handle is gone rather than racing a freed Pipe.
func (r *Registry) SendTo(h Handle, msg []byte) error {
	p, ok := r.Get(h)
	if !ok {
		return fmt.Errorf("asyncpipe: handle %s: %w", h, pipe.ErrClosed)
	}
	return p.Send(msg)
}
