package services

import (
	"bytes"
	"testing"

	"github.com/pipehost/mux/internal/pipe"
)

func TestDebugSinkWritesThrough(t *testing.T) {
	var buf bytes.Buffer
	f := &DebugSinkFactory{W: &buf}
	svc, err := f.Create(nil, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	n, res, err := svc.OnGuestSend(pipe.SingleVector([]byte("hello")))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if n != 5 {
		t.Fatalf("n = %d, want 5", n)
	}
	if res.Rebind != nil {
		t.Fatal("unexpected rebind")
	}
	if buf.String() != "hello" {
		t.Fatalf("buf = %q, want %q", buf.String(), "hello")
	}
}

func TestDebugSinkNeverReadable(t *testing.T) {
	svc, _ := (&DebugSinkFactory{W: &bytes.Buffer{}}).Create(nil, "")
	if _, err := svc.OnGuestRecv(pipe.SingleVector(make([]byte, 8))); err == nil {
		t.Fatal("expected recv to fail on a write-only sink")
	}
	if svc.OnGuestPoll()&pipe.PollOut == 0 {
		t.Fatal("expected sink to always report writable")
	}
}

func TestDebugSinkCannotLoad(t *testing.T) {
	f := &DebugSinkFactory{}
	if f.CanLoad() {
		t.Fatal("expected debug sink to be force-closed on load")
	}
}
