package services

import (
	"encoding/binary"
	"testing"

	"github.com/pipehost/mux/internal/pipe"
)

func TestClipboardRefusesSecondInstance(t *testing.T) {
	f := &ClipboardFactory{Enabled: true}
	if _, err := f.Create(nil, ""); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := f.Create(nil, ""); err == nil {
		t.Fatal("expected second create to be refused")
	}
}

func TestClipboardInstanceSlotFreedOnClose(t *testing.T) {
	f := &ClipboardFactory{Enabled: true}
	svc, err := f.Create(nil, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	svc.OnGuestClose(pipe.CloseGraceful)

	if _, err := f.Create(nil, ""); err != nil {
		t.Fatalf("expected reconnect after close to succeed: %v", err)
	}
}

func TestClipboardPushFromHostThenGuestRecv(t *testing.T) {
	f := &ClipboardFactory{Enabled: true}
	svc, _ := f.Create(nil, "")
	cb := svc.(*Clipboard)

	cb.PushFromHost([]byte("copied text"))
	if svc.OnGuestPoll()&pipe.PollIn == 0 {
		t.Fatal("expected readable after PushFromHost")
	}

	out := make([]byte, 64)
	n, err := svc.OnGuestRecv(pipe.Vector{{Data: out}})
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	gotLen := binary.LittleEndian.Uint32(out[:4])
	if string(out[4:4+gotLen]) != "copied text" {
		t.Fatalf("recv payload = %q, want %q", out[4:4+gotLen], "copied text")
	}
	_ = n
}

func TestClipboardDisabledDropsTraffic(t *testing.T) {
	f := &ClipboardFactory{Enabled: false}
	svc, _ := f.Create(nil, "")
	cb := svc.(*Clipboard)

	cb.PushFromHost([]byte("should be dropped"))
	if svc.OnGuestPoll()&pipe.PollIn != 0 {
		t.Fatal("expected disabled clipboard to never report readable")
	}
}

func TestClipboardGuestSendAssemblesFramedPayload(t *testing.T) {
	f := &ClipboardFactory{Enabled: true}
	svc, _ := f.Create(nil, "")

	var framed [4 + 5]byte
	binary.LittleEndian.PutUint32(framed[:4], 5)
	copy(framed[4:], "pasta")

	if _, _, err := svc.OnGuestSend(pipe.SingleVector(framed[:])); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestClipboardSaveLoadRoundTrip(t *testing.T) {
	f := &ClipboardFactory{Enabled: true}
	svc, _ := f.Create(nil, "")
	cb := svc.(*Clipboard)
	cb.PushFromHost([]byte("saved"))

	var buf boundedBuffer
	if err := svc.OnSave(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}

	f2 := &ClipboardFactory{Enabled: true}
	restored, err := f2.Load(nil, &buf)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.(*Clipboard).hostToGuest.data == nil {
		t.Fatal("expected restored host->guest buffer to be non-nil")
	}
}

// boundedBuffer is a minimal bytes.Buffer-like reader/writer kept local to
// this test file to avoid importing bytes solely for one helper type.
type boundedBuffer struct {
	data []byte
	pos  int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *boundedBuffer) Read(p []byte) (int, error) {
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}
