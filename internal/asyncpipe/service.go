package asyncpipe

import (
	"github.com/pipehost/mux/internal/pipe"
	"github.com/pipehost/mux/internal/transfer"
)

// Service adapts a Pipe into a pipe.ServicePipe: guest sends feed the
// receive parser, guest recvs drain the outbound FIFO, and Send — the
// host-initiated half of the protocol — enqueues a read-wake on queue so
// the device thread's next Drain tells the hardware endpoint to poll
// again. Send may be called from any goroutine, including one reacting to
// a just-received message from inside onMessage, which is why the wake
// goes through the deferred transfer queue rather than touching the
// hardware endpoint directly.
type Service struct {
	id    pipe.ID
	queue *transfer.Queue
	p     *Pipe
}

// NewService returns a Service wrapping a fresh Pipe for the pipe identified
// by id. onMessage is invoked synchronously for each complete guest->host
// frame; it may be nil and wired later via Pipe().SetOnMessage, for a
// callback that needs to close over the Service itself.
func NewService(id pipe.ID, queue *transfer.Queue, onMessage func(msg []byte)) *Service {
	return &Service{id: id, queue: queue, p: New(onMessage)}
}

// Pipe returns the underlying message pipe.
func (s *Service) Pipe() *Pipe { return s.p }

// Send enqueues msg for guest delivery and signals a read-wake.
func (s *Service) Send(msg []byte) error {
	if err := s.p.Send(msg); err != nil {
		return err
	}
	if s.queue != nil {
		s.queue.Enqueue(s.id, transfer.Operation{Wake: pipe.WakeReadRead})
	}
	return nil
}

// OnGuestClose tears down the underlying pipe so any racing Send sees
// pipe.ErrClosed instead of touching freed state.
func (s *Service) OnGuestClose(pipe.CloseReason) {
	s.p.Destroy()
}

// OnGuestPoll reports writable always, and readable whenever the outbound
// FIFO has bytes waiting for the guest.
func (s *Service) OnGuestPoll() pipe.PollFlags {
	flags := pipe.PollOut
	if s.p.HasOutbound() {
		flags |= pipe.PollIn
	}
	return flags
}

// OnGuestRecv drains framed outbound bytes into v.
func (s *Service) OnGuestRecv(v pipe.Vector) (int, error) {
	if !s.p.HasOutbound() {
		return 0, pipe.ErrAgain
	}
	n := 0
	for _, seg := range v {
		if len(seg.Data) == 0 {
			continue
		}
		chunk := s.p.Drain(len(seg.Data))
		copy(seg.Data, chunk)
		n += len(chunk)
		if len(chunk) < len(seg.Data) {
			break
		}
	}
	return n, nil
}

// OnGuestSend feeds guest bytes into the receive parser, reassembling
// length-prefixed frames and invoking onMessage for each complete one.
func (s *Service) OnGuestSend(v pipe.Vector) (int, pipe.SendResult, error) {
	n := 0
	for _, seg := range v {
		if len(seg.Data) == 0 {
			continue
		}
		if err := s.p.Feed(seg.Data); err != nil {
			return n, pipe.SendResult{}, err
		}
		n += len(seg.Data)
	}
	return n, pipe.SendResult{}, nil
}

// OnGuestWantWakeOn is a no-op: readiness changes are driven synchronously
// by Send, which enqueues its own wake.
func (s *Service) OnGuestWantWakeOn(pipe.WakeFlags) {}

// OnSave is a no-op; registered factories that can't meaningfully resume a
// half-exchanged frame report CanLoad false so this is never called for a
// real snapshot.
func (s *Service) OnSave(pipe.SnapshotWriter) error { return nil }
