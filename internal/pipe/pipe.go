// Package pipe defines the shared data model used across the host pipe
// multiplexer: pipe identifiers, buffer vectors, poll/wake flag sets, close
// reasons, and the ServicePipe contract every service implements.
package pipe

import "errors"

// Sentinel errors returned by ServicePipe and Manager operations. They mirror
// the five-way error taxonomy of the underlying transport: a caller never
// sees anything else cross a ServicePipe boundary.
var (
	ErrInvalid = errors.New("pipe: invalid argument")
	ErrAgain   = errors.New("pipe: would block")
	ErrIO      = errors.New("pipe: io error")
	ErrClosed  = errors.New("pipe: closed")
	ErrNoMem   = errors.New("pipe: out of memory")
)

// ID identifies a pipe for the lifetime of a Manager. IDs are never reused,
// even across a save/load round trip.
type ID int64

// Segment is one contiguous chunk of a Vector.
type Segment struct {
	Data []byte
}

// Vector is a scatter/gather buffer list, mirroring the guest's iovec-style
// transfer requests. Transfers may be partial: a callee is free to consume
// or produce fewer bytes than TotalLen and report the count it handled.
type Vector []Segment

// TotalLen returns the sum of all segment lengths.
func (v Vector) TotalLen() int {
	n := 0
	for _, s := range v {
		n += len(s.Data)
	}
	return n
}

// Bytes flattens the vector into a single contiguous slice. Used by callers
// that need linear access (framing parsers, tests); production transfer
// paths should prefer walking segments directly to avoid the copy.
func (v Vector) Bytes() []byte {
	out := make([]byte, 0, v.TotalLen())
	for _, s := range v {
		out = append(out, s.Data...)
	}
	return out
}

// SingleVector wraps one byte slice as a one-segment Vector.
func SingleVector(b []byte) Vector {
	return Vector{{Data: b}}
}

// PollFlags reports which operations a pipe can currently perform without
// blocking.
type PollFlags uint8

const (
	PollIn     PollFlags = 1 << iota // can-read: guest recv would return data
	PollOut                          // can-write: guest send would be accepted
	PollHangUp                       // peer gone; further ops return ErrClosed
)

// WakeFlags is the set of events a guest has asked to be woken for, and the
// set a service or the transfer engine signals has become ready.
type WakeFlags uint32

const (
	WakeReadRead WakeFlags = 1 << iota
	WakeWriteReady
	WakeClosed
	WakeUnlockDMA
)

// CloseReason explains why a pipe is being closed. Values are part of the
// wire contract (§6) and must never be renumbered.
type CloseReason int32

const (
	CloseGraceful     CloseReason = 0
	CloseReboot       CloseReason = 1
	CloseLoadSnapshot CloseReason = 2
	CloseError        CloseReason = 3
)

func (r CloseReason) String() string {
	switch r {
	case CloseGraceful:
		return "graceful"
	case CloseReboot:
		return "reboot"
	case CloseLoadSnapshot:
		return "load-snapshot"
	case CloseError:
		return "error"
	default:
		return "unknown"
	}
}

// SendResult carries the outcome of OnGuestSend beyond a plain byte count:
// a service pipe that hands the pipe over to a replacement service pipe (a
// one-shot protocol handler) reports it here instead of through a magic
// pointer slot.
type SendResult struct {
	// Rebind, if non-nil, replaces the service pipe driving this pipe from
	// the next operation onward.
	Rebind ServicePipe
}

// HardwareEndpoint is the guest/device-facing half of a pipe. It is
// implemented by whatever drives the virtual device; the core never
// constructs one. Within this module only the devicesim test double and the
// vsockbridge adapter implement it.
type HardwareEndpoint interface {
	ID() ID
	CloseFromHost(reason CloseReason)
	SignalWake(flags WakeFlags)
}

// ServicePipe is the contract every host-side service implements. None of
// its methods may block or panic; long-running work must be deferred and
// delivered later through a wake signal.
type ServicePipe interface {
	OnGuestClose(reason CloseReason)
	OnGuestPoll() PollFlags
	OnGuestRecv(v Vector) (int, error)
	OnGuestSend(v Vector) (int, SendResult, error)
	OnGuestWantWakeOn(flags WakeFlags)
	OnSave(w SnapshotWriter) error
}

// SnapshotWriter is the minimal surface Save needs; satisfied by
// *bytes.Buffer and any io.Writer supplying byte counts are unnecessary
// here since writes to an in-memory buffer never fail.
type SnapshotWriter interface {
	Write(p []byte) (int, error)
}
