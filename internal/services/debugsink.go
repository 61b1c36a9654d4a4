// Package services holds the representative host services the pipe
// manager ships: a debug sink, a process-lifetime tracker, a clipboard
// bridge, and a network out-of-band command channel.
package services

import (
	"io"

	"github.com/pipehost/mux/internal/pipe"
	"github.com/pipehost/mux/internal/svcregistry"
)

// DebugSink is a write-only service pipe: whatever the guest sends lands on
// the io.Writer the host chose in DebugSinkFactory.W (the demo harness uses
// stdout), and it never produces data of its own.
type DebugSink struct {
	w io.Writer
}

// DebugSinkFactory creates DebugSink instances writing to w.
type DebugSinkFactory struct {
	W io.Writer
}

// Create returns a new DebugSink; args are ignored.
func (f *DebugSinkFactory) Create(_ pipe.HardwareEndpoint, _ string) (pipe.ServicePipe, error) {
	return &DebugSink{w: f.W}, nil
}

// CanLoad reports that debug sinks are force-closed on snapshot load: they
// hold no state worth restoring.
func (f *DebugSinkFactory) CanLoad() bool { return false }

// Load is never called since CanLoad is false.
func (f *DebugSinkFactory) Load(pipe.HardwareEndpoint, svcregistry.SnapshotReader) (pipe.ServicePipe, error) {
	return nil, pipe.ErrInvalid
}

func (f *DebugSinkFactory) PreSave()  {}
func (f *DebugSinkFactory) PostSave() {}
func (f *DebugSinkFactory) PreLoad()  {}
func (f *DebugSinkFactory) PostLoad() {}

// OnGuestClose is a no-op: nothing to release.
func (s *DebugSink) OnGuestClose(pipe.CloseReason) {}

// OnGuestPoll always reports writable; a debug sink never blocks on write.
func (s *DebugSink) OnGuestPoll() pipe.PollFlags { return pipe.PollOut }

// OnGuestRecv never produces data.
func (s *DebugSink) OnGuestRecv(pipe.Vector) (int, error) {
	return 0, pipe.ErrAgain
}

// OnGuestSend writes every byte to the sink's writer.
func (s *DebugSink) OnGuestSend(v pipe.Vector) (int, pipe.SendResult, error) {
	n := 0
	for _, seg := range v {
		written, err := s.w.Write(seg.Data)
		n += written
		if err != nil {
			return n, pipe.SendResult{}, pipe.ErrIO
		}
	}
	return n, pipe.SendResult{}, nil
}

// OnGuestWantWakeOn is a no-op: a debug sink is always writable so there is
// nothing to wake for.
func (s *DebugSink) OnGuestWantWakeOn(pipe.WakeFlags) {}

// OnSave writes nothing: CanLoad is false, so Save never calls this for a
// real snapshot, but it must still satisfy the interface.
func (s *DebugSink) OnSave(pipe.SnapshotWriter) error { return nil }
