package pipemgr

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/pipehost/mux/internal/devicesim"
	"github.com/pipehost/mux/internal/pipe"
	"github.com/pipehost/mux/internal/svcregistry"
	"github.com/pipehost/mux/internal/vmlock"
)

type counterFactory struct{ canLoad bool }
type counterSvc struct{ n int }

func (f *counterFactory) Create(_ pipe.HardwareEndpoint, _ string) (pipe.ServicePipe, error) {
	return &counterSvc{}, nil
}
func (f *counterFactory) CanLoad() bool { return f.canLoad }
func (f *counterFactory) Load(_ pipe.HardwareEndpoint, r svcregistry.SnapshotReader) (pipe.ServicePipe, error) {
	var buf [4]byte
	r.Read(buf[:])
	return &counterSvc{n: int(buf[0])}, nil
}
func (f *counterFactory) PreSave()  {}
func (f *counterFactory) PostSave() {}
func (f *counterFactory) PreLoad()  {}
func (f *counterFactory) PostLoad() {}

func (c *counterSvc) OnGuestClose(pipe.CloseReason) {}
func (c *counterSvc) OnGuestPoll() pipe.PollFlags    { return pipe.PollOut }
func (c *counterSvc) OnGuestRecv(pipe.Vector) (int, error) {
	return 0, pipe.ErrAgain
}
func (c *counterSvc) OnGuestSend(v pipe.Vector) (int, pipe.SendResult, error) {
	c.n += v.TotalLen()
	return v.TotalLen(), pipe.SendResult{}, nil
}
func (c *counterSvc) OnGuestWantWakeOn(pipe.WakeFlags) {}
func (c *counterSvc) OnSave(w pipe.SnapshotWriter) error {
	_, err := w.Write([]byte{byte(c.n)})
	return err
}

func newTestManager(t *testing.T, canLoad bool) (*Manager, *svcregistry.Registry) {
	t.Helper()
	reg := svcregistry.New()
	if err := reg.Register("counter", &counterFactory{canLoad: canLoad}); err != nil {
		t.Fatalf("register: %v", err)
	}
	mgr := New(reg)
	mgr.InitThreading(vmlock.NewMutex())
	return mgr, reg
}

func TestOpenBindCloseLifecycle(t *testing.T) {
	mgr, _ := newTestManager(t, true)
	hw := devicesim.New(1)

	id := mgr.GuestOpen(hw)
	if _, err := mgr.GuestSend(id, pipe.SingleVector([]byte("pipe:counter\x00"))); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	mgr.GuestClose(id, pipe.CloseGraceful)

	if _, err := mgr.GuestPoll(id); err == nil {
		t.Fatal("expected poll on closed pipe to fail")
	}
}

func TestUnknownPipeLookupFails(t *testing.T) {
	mgr, _ := newTestManager(t, true)
	if _, err := mgr.GuestPoll(999); err == nil {
		t.Fatal("expected error for unknown pipe id")
	}
}

func TestClosedPipeDiagnosticDiffersFromUnknown(t *testing.T) {
	mgr, _ := newTestManager(t, true)
	hw := devicesim.New(1)
	id := mgr.GuestOpen(hw)
	mgr.GuestClose(id, pipe.CloseGraceful)

	_, err := mgr.GuestPoll(id)
	if err == nil {
		t.Fatal("expected error for closed pipe")
	}
	_, unknownErr := mgr.GuestPoll(999)
	if unknownErr == nil {
		t.Fatal("expected error for unknown pipe id")
	}
	if !errors.Is(err, pipe.ErrClosed) || errors.Is(unknownErr, pipe.ErrClosed) {
		t.Fatalf("closed err = %v, unknown err = %v; want only the closed one to wrap ErrClosed", err, unknownErr)
	}
	if err.Error() == unknownErr.Error() {
		t.Fatalf("closed and unknown diagnostics are identical: %v", err)
	}
}

func TestSaveLoadRoundTripRestoresState(t *testing.T) {
	mgr, _ := newTestManager(t, true)
	hw := devicesim.New(1)
	id := mgr.GuestOpen(hw)
	mgr.GuestSend(id, pipe.SingleVector([]byte("pipe:counter\x00")))
	mgr.GuestSend(id, pipe.SingleVector([]byte{1, 2, 3})) // n becomes 3

	var buf bytes.Buffer
	if err := mgr.Save(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}

	mgr2, _ := newTestManager(t, true)
	var forceClosedIDs []pipe.ID
	err := mgr2.Load(&buf, func(id pipe.ID) (pipe.HardwareEndpoint, bool) {
		return devicesim.New(id), true
	}, func(id pipe.ID) {
		forceClosedIDs = append(forceClosedIDs, id)
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(forceClosedIDs) != 0 {
		t.Fatalf("unexpected force-closed pipes: %v", forceClosedIDs)
	}
	if len(mgr2.LivePipes()) != 1 {
		t.Fatalf("live pipes after load = %d, want 1", len(mgr2.LivePipes()))
	}
}

func TestLoadForceClosesWhenServiceCannotLoad(t *testing.T) {
	mgr, _ := newTestManager(t, false)
	hw := devicesim.New(1)
	id := mgr.GuestOpen(hw)
	mgr.GuestSend(id, pipe.SingleVector([]byte("pipe:counter\x00")))

	var buf bytes.Buffer
	if err := mgr.Save(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}

	mgr2, _ := newTestManager(t, false)
	var forceClosedIDs []pipe.ID
	err := mgr2.Load(&buf, func(id pipe.ID) (pipe.HardwareEndpoint, bool) {
		return devicesim.New(id), true
	}, func(id pipe.ID) {
		forceClosedIDs = append(forceClosedIDs, id)
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(forceClosedIDs) != 1 || forceClosedIDs[0] != id {
		t.Fatalf("forceClosedIDs = %v, want [%d]", forceClosedIDs, id)
	}
}

func TestShutdownClosesAllLivePipes(t *testing.T) {
	mgr, _ := newTestManager(t, true)
	for i := 0; i < 5; i++ {
		hw := devicesim.New(pipe.ID(i + 1))
		mgr.GuestOpen(hw)
	}
	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if len(mgr.LivePipes()) != 0 {
		t.Fatalf("live pipes after shutdown = %d, want 0", len(mgr.LivePipes()))
	}
}
