package services

import (
	"github.com/pipehost/mux/internal/asyncpipe"
	"github.com/pipehost/mux/internal/pipe"
	"github.com/pipehost/mux/internal/svcregistry"
	"github.com/pipehost/mux/internal/transfer"
)

// AsyncEchoFactory creates async message pipes that echo every framed
// message straight back to the guest, demonstrating the host-initiated
// send path (enqueue, mark readable, signal a read-wake) without needing a
// real client on the other end.
type AsyncEchoFactory struct {
	Queue *transfer.Queue
}

// Create returns an asyncpipe.Service wired to echo each received frame
// back through Send, which enqueues its wake on f.Queue; args are ignored.
func (f *AsyncEchoFactory) Create(hw pipe.HardwareEndpoint, _ string) (pipe.ServicePipe, error) {
	svc := asyncpipe.NewService(hw.ID(), f.Queue, nil)
	svc.Pipe().SetOnMessage(func(msg []byte) {
		echoed := append([]byte(nil), msg...)
		svc.Send(echoed)
	})
	return svc, nil
}

// CanLoad reports that async echo pipes are force-closed on snapshot load:
// a half-received frame has no meaningful restored state to resume into.
func (f *AsyncEchoFactory) CanLoad() bool { return false }

// Load is never called since CanLoad is false.
func (f *AsyncEchoFactory) Load(pipe.HardwareEndpoint, svcregistry.SnapshotReader) (pipe.ServicePipe, error) {
	return nil, pipe.ErrInvalid
}

func (f *AsyncEchoFactory) PreSave()  {}
func (f *AsyncEchoFactory) PostSave() {}
func (f *AsyncEchoFactory) PreLoad()  {}
func (f *AsyncEchoFactory) PostLoad() {}
