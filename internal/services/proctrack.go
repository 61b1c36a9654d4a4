package services

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pipehost/mux/internal/pipe"
	"github.com/pipehost/mux/internal/store"
	"github.com/pipehost/mux/internal/svcregistry"
)

// PIDAllocator is the durable counter a ProcTrack pulls pids from.
type PIDAllocator interface {
	NextPID() (int64, error)
	ReleasePID(int64) error
}

// ProcTrack allocates a process id on open and releases it on close,
// reporting the allocation through a cleanup callback regardless of why
// the pipe closed.
type ProcTrack struct {
	pid     int64
	alloc   PIDAllocator
	onClose func(pid int64, reason pipe.CloseReason)
	closed  bool
	read    bool
}

// ProcTrackFactory creates ProcTrack instances backed by alloc.
type ProcTrackFactory struct {
	Alloc   PIDAllocator
	OnClose func(pid int64, reason pipe.CloseReason)
}

// Create allocates a fresh pid and returns a bound ProcTrack.
func (f *ProcTrackFactory) Create(_ pipe.HardwareEndpoint, _ string) (pipe.ServicePipe, error) {
	pid, err := f.Alloc.NextPID()
	if err != nil {
		return nil, fmt.Errorf("services: allocate pid: %w", err)
	}
	return &ProcTrack{pid: pid, alloc: f.Alloc, onClose: f.OnClose}, nil
}

// CanLoad reports that a tracked pid survives a snapshot round trip. The
// pid is reported unread again after a load: the guest reconnecting to a
// restored pipe still expects to read its identity once.
func (f *ProcTrackFactory) CanLoad() bool { return true }

// Load restores a ProcTrack from its saved pid without allocating a new one.
func (f *ProcTrackFactory) Load(_ pipe.HardwareEndpoint, r svcregistry.SnapshotReader) (pipe.ServicePipe, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("services: load proctrack pid: %w", err)
	}
	pid := int64(binary.BigEndian.Uint64(buf[:]))
	return &ProcTrack{pid: pid, alloc: f.Alloc, onClose: f.OnClose}, nil
}

func (f *ProcTrackFactory) PreSave()  {}
func (f *ProcTrackFactory) PostSave() {}
func (f *ProcTrackFactory) PreLoad()  {}
func (f *ProcTrackFactory) PostLoad() {}

// PID returns the process id allocated to this pipe.
func (p *ProcTrack) PID() int64 { return p.pid }

// OnGuestClose releases the pid and invokes the cleanup callback, exactly
// once, regardless of close reason.
func (p *ProcTrack) OnGuestClose(reason pipe.CloseReason) {
	if p.closed {
		return
	}
	p.closed = true
	if p.alloc != nil {
		p.alloc.ReleasePID(p.pid)
	}
	if p.onClose != nil {
		p.onClose(p.pid, reason)
	}
}

// OnGuestPoll reports the allocated pid readable until the guest has read
// it once; after that the pipe has nothing further to offer.
func (p *ProcTrack) OnGuestPoll() pipe.PollFlags {
	if p.read {
		return 0
	}
	return pipe.PollIn
}

// OnGuestRecv returns the 8-byte big-endian pid exactly once; subsequent
// calls report pipe.ErrAgain since the tracker has nothing left to send.
func (p *ProcTrack) OnGuestRecv(v pipe.Vector) (int, error) {
	if p.read {
		return 0, pipe.ErrAgain
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(p.pid))
	n := 0
	for _, seg := range v {
		if n >= len(buf) {
			break
		}
		c := copy(seg.Data, buf[n:])
		n += c
	}
	if n == 0 {
		return 0, pipe.ErrAgain
	}
	if n == len(buf) {
		p.read = true
	}
	return n, nil
}

// OnGuestSend accepts and discards any bytes the guest sends; the tracker
// only reports lifetime, it never accepts commands.
func (p *ProcTrack) OnGuestSend(v pipe.Vector) (int, pipe.SendResult, error) {
	return v.TotalLen(), pipe.SendResult{}, nil
}

// OnGuestWantWakeOn is a no-op: the tracker's readiness changes only when
// the guest itself reads the pid, so there is no host event to wake for.
func (p *ProcTrack) OnGuestWantWakeOn(pipe.WakeFlags) {}

// OnSave writes the 8-byte big-endian pid.
func (p *ProcTrack) OnSave(w pipe.SnapshotWriter) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(p.pid))
	_, err := w.Write(buf[:])
	return err
}
