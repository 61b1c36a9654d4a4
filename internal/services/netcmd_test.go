package services

import (
	"testing"

	"github.com/pipehost/mux/internal/pipe"
)

func TestNetCmdReadabilityFlipsOnPush(t *testing.T) {
	f := &NetCmdFactory{}
	svc, _ := f.Create(nil, "")
	n := svc.(*NetCmd)

	if svc.OnGuestPoll() != 0 {
		t.Fatal("expected not readable before any command")
	}

	n.PushCommand([]byte("reboot"))
	if svc.OnGuestPoll()&pipe.PollIn == 0 {
		t.Fatal("expected readable after push")
	}

	out := make([]byte, 16)
	read, err := svc.OnGuestRecv(pipe.Vector{{Data: out}})
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(out[:read]) != "reboot" {
		t.Fatalf("recv = %q, want %q", out[:read], "reboot")
	}
	if svc.OnGuestPoll() != 0 {
		t.Fatal("expected not readable after buffer drained")
	}
}

func TestNetCmdCannotLoad(t *testing.T) {
	f := &NetCmdFactory{}
	if f.CanLoad() {
		t.Fatal("expected network-command pipes to be force-closed on load")
	}
}

func TestNetCmdSendIsDiscardedNotError(t *testing.T) {
	f := &NetCmdFactory{}
	svc, _ := f.Create(nil, "")
	n, _, err := svc.OnGuestSend(pipe.SingleVector([]byte("ignored")))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 7 {
		t.Fatalf("n = %d, want 7", n)
	}
}
