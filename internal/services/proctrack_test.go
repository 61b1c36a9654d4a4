package services

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pipehost/mux/internal/pipe"
)

type fakeAlloc struct {
	next     int64
	released []int64
}

func (a *fakeAlloc) NextPID() (int64, error) {
	a.next++
	return a.next, nil
}
func (a *fakeAlloc) ReleasePID(pid int64) error {
	a.released = append(a.released, pid)
	return nil
}

func TestProcTrackAllocatesAndReleasesOnClose(t *testing.T) {
	alloc := &fakeAlloc{}
	var closedReason pipe.CloseReason
	var closedPID int64
	f := &ProcTrackFactory{
		Alloc: alloc,
		OnClose: func(pid int64, reason pipe.CloseReason) {
			closedPID, closedReason = pid, reason
		},
	}

	svc, err := f.Create(nil, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pt := svc.(*ProcTrack)
	if pt.PID() != 1 {
		t.Fatalf("pid = %d, want 1", pt.PID())
	}

	svc.OnGuestClose(pipe.CloseReboot)
	if closedPID != 1 || closedReason != pipe.CloseReboot {
		t.Fatalf("onClose callback got (%d, %v), want (1, reboot)", closedPID, closedReason)
	}
	if len(alloc.released) != 1 || alloc.released[0] != 1 {
		t.Fatalf("released = %v, want [1]", alloc.released)
	}
}

func TestProcTrackCloseIsIdempotent(t *testing.T) {
	alloc := &fakeAlloc{}
	calls := 0
	f := &ProcTrackFactory{Alloc: alloc, OnClose: func(int64, pipe.CloseReason) { calls++ }}
	svc, _ := f.Create(nil, "")

	svc.OnGuestClose(pipe.CloseGraceful)
	svc.OnGuestClose(pipe.CloseGraceful)
	if calls != 1 {
		t.Fatalf("onClose called %d times, want 1", calls)
	}
}

func TestProcTrackRecvReturnsPID(t *testing.T) {
	alloc := &fakeAlloc{}
	f := &ProcTrackFactory{Alloc: alloc}
	svc, _ := f.Create(nil, "")

	out := make([]byte, 8)
	n, err := svc.OnGuestRecv(pipe.Vector{{Data: out}})
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if n != 8 {
		t.Fatalf("n = %d, want 8", n)
	}
	if binary.BigEndian.Uint64(out) != 1 {
		t.Fatalf("pid = %d, want 1", binary.BigEndian.Uint64(out))
	}
}

func TestProcTrackSaveLoadRoundTrip(t *testing.T) {
	alloc := &fakeAlloc{}
	f := &ProcTrackFactory{Alloc: alloc}
	svc, _ := f.Create(nil, "")

	var buf bytes.Buffer
	if err := svc.OnSave(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored, err := f.Load(nil, &buf)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.(*ProcTrack).PID() != 1 {
		t.Fatalf("restored pid = %d, want 1", restored.(*ProcTrack).PID())
	}
}
