package rawpipe

import (
	"testing"

	"github.com/pipehost/mux/internal/devicesim"
	"github.com/pipehost/mux/internal/pipe"
	"github.com/pipehost/mux/internal/svcregistry"
)

type echoFactory struct {
	created  int
	lastArgs string
}

type echoSvc struct {
	buf []byte
}

func (f *echoFactory) Create(_ pipe.HardwareEndpoint, args string) (pipe.ServicePipe, error) {
	f.created++
	f.lastArgs = args
	return &echoSvc{}, nil
}
func (f *echoFactory) CanLoad() bool { return true }
func (f *echoFactory) Load(_ pipe.HardwareEndpoint, r svcregistry.SnapshotReader) (pipe.ServicePipe, error) {
	return &echoSvc{}, nil
}
func (f *echoFactory) PreSave()  {}
func (f *echoFactory) PostSave() {}
func (f *echoFactory) PreLoad()  {}
func (f *echoFactory) PostLoad() {}

func (e *echoSvc) OnGuestClose(pipe.CloseReason) {}
func (e *echoSvc) OnGuestPoll() pipe.PollFlags {
	if len(e.buf) > 0 {
		return pipe.PollIn | pipe.PollOut
	}
	return pipe.PollOut
}
func (e *echoSvc) OnGuestRecv(v pipe.Vector) (int, error) {
	if len(e.buf) == 0 {
		return 0, pipe.ErrAgain
	}
	n := copy(v[0].Data, e.buf)
	e.buf = e.buf[n:]
	return n, nil
}
func (e *echoSvc) OnGuestSend(v pipe.Vector) (int, pipe.SendResult, error) {
	e.buf = append(e.buf, v.Bytes()...)
	return v.TotalLen(), pipe.SendResult{}, nil
}
func (e *echoSvc) OnGuestWantWakeOn(pipe.WakeFlags) {}
func (e *echoSvc) OnSave(pipe.SnapshotWriter) error  { return nil }

func newTestRegistry(t *testing.T) *svcregistry.Registry {
	t.Helper()
	reg := svcregistry.New()
	if err := reg.Register("echo", &echoFactory{}); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	return reg
}

func TestConnectorBindsOnNUL(t *testing.T) {
	reg := newTestRegistry(t)
	hw := devicesim.New(1)
	ep := NewConnector(1, hw, reg)

	if got := ep.Poll(); got != pipe.PollOut {
		t.Fatalf("connector poll = %v, want PollOut", got)
	}

	n, err := ep.Send(pipe.SingleVector([]byte("pipe:echo\x00")))
	if err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	if n != 10 {
		t.Fatalf("consumed = %d, want 10", n)
	}
	if ep.Service() == nil {
		t.Fatal("expected endpoint to be bound after NUL")
	}
}

func TestConnectorRequiresPipePrefix(t *testing.T) {
	reg := newTestRegistry(t)
	hw := devicesim.New(1)
	ep := NewConnector(1, hw, reg)

	if _, err := ep.Send(pipe.SingleVector([]byte("echo\x00"))); err == nil {
		t.Fatal("expected error for handshake missing the pipe: prefix")
	}
	if !ep.IsClosed() {
		t.Fatal("expected endpoint to be closed after a prefix-less handshake")
	}
}

func TestConnectorSplitsArgsAfterSecondColon(t *testing.T) {
	reg := svcregistry.New()
	f := &echoFactory{}
	if err := reg.Register("echo", f); err != nil {
		t.Fatalf("register echo: %v", err)
	}
	hw := devicesim.New(1)
	ep := NewConnector(1, hw, reg)

	if _, err := ep.Send(pipe.SingleVector([]byte("pipe:echo:some-args\x00"))); err != nil {
		t.Fatalf("send handshake with args: %v", err)
	}
	if ep.Service() == nil {
		t.Fatal("expected endpoint to be bound")
	}
	if f.lastArgs != "some-args" {
		t.Fatalf("args = %q, want %q", f.lastArgs, "some-args")
	}
}

func TestConnectorHandsOffTrailingBytesInSameCall(t *testing.T) {
	reg := newTestRegistry(t)
	hw := devicesim.New(1)
	ep := NewConnector(1, hw, reg)

	payload := append([]byte("pipe:echo\x00"), []byte("hello")...)
	if _, err := ep.Send(pipe.SingleVector(payload)); err != nil {
		t.Fatalf("send: %v", err)
	}

	svc := ep.Service().(*echoSvc)
	if string(svc.buf) != "hello" {
		t.Fatalf("echo buffer = %q, want %q", svc.buf, "hello")
	}
}

func TestConnectorUnknownServiceCloses(t *testing.T) {
	reg := newTestRegistry(t)
	hw := devicesim.New(1)
	ep := NewConnector(1, hw, reg)

	if _, err := ep.Send(pipe.SingleVector([]byte("pipe:nope\x00"))); err == nil {
		t.Fatal("expected error for unknown service")
	}
	if !ep.IsClosed() {
		t.Fatal("expected endpoint to be closed after unknown service")
	}
}

func TestConnectorOversizeNameCloses(t *testing.T) {
	reg := newTestRegistry(t)
	hw := devicesim.New(1)
	ep := NewConnector(1, hw, reg)

	big := make([]byte, maxServiceNameLen+1)
	for i := range big {
		big[i] = 'a'
	}
	if _, err := ep.Send(pipe.SingleVector(big)); err == nil {
		t.Fatal("expected error for oversize name")
	}
	if !ep.IsClosed() {
		t.Fatal("expected endpoint to be closed after oversize name")
	}
}

func TestBoundEndpointRecvAfterSend(t *testing.T) {
	reg := newTestRegistry(t)
	hw := devicesim.New(1)
	ep := NewConnector(1, hw, reg)
	ep.Send(pipe.SingleVector([]byte("pipe:echo\x00hi")))

	out := make([]byte, 16)
	n, err := ep.Recv(pipe.Vector{{Data: out}})
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(out[:n]) != "hi" {
		t.Fatalf("recv = %q, want %q", out[:n], "hi")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t)
	hw := devicesim.New(1)
	ep := NewConnector(1, hw, reg)
	ep.Send(pipe.SingleVector([]byte("pipe:echo\x00")))
	ep.Close(pipe.CloseGraceful)
	ep.Close(pipe.CloseGraceful)
	if ep.Poll() != pipe.PollHangUp {
		t.Fatalf("poll after close = %v, want PollHangUp", ep.Poll())
	}
}
