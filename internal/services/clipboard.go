package services

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/atotto/clipboard"

	"github.com/pipehost/mux/internal/pipe"
	"github.com/pipehost/mux/internal/svcregistry"
)

// transferState holds one direction of the clipboard's double-buffered
// transfer: a pending payload plus how much of its length-prefixed framing
// has already been delivered.
type transferState struct {
	data []byte
	sent int // bytes of the framed [len][data] already consumed by the peer
}

func (t *transferState) framed() []byte {
	if t.data == nil {
		return nil
	}
	out := make([]byte, 4+len(t.data))
	binary.LittleEndian.PutUint32(out, uint32(len(t.data)))
	copy(out[4:], t.data)
	return out
}

// Clipboard bridges the guest's clipboard requests to the host OS
// clipboard. Only one instance may be bound at a time; disabling it drops
// all traffic silently rather than erroring the pipe.
type Clipboard struct {
	mu sync.Mutex

	factory     *ClipboardFactory
	enabled     bool
	useSystem   bool
	guestToHost transferState // guest -> host (OnGuestSend fills this)
	hostToGuest transferState // host -> guest (OnGuestRecv drains this)
}

// ClipboardFactory creates the single active Clipboard instance.
type ClipboardFactory struct {
	mu       sync.Mutex
	active   bool
	Enabled  bool
	UseOS    bool
}

// Create returns the Clipboard, refusing a second concurrent instance.
func (f *ClipboardFactory) Create(_ pipe.HardwareEndpoint, _ string) (pipe.ServicePipe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return nil, fmt.Errorf("services: clipboard already bound: %w", pipe.ErrInvalid)
	}
	f.active = true
	return &Clipboard{factory: f, enabled: f.Enabled, useSystem: f.UseOS}, nil
}

// CanLoad reports that clipboard transfer state survives a snapshot.
func (f *ClipboardFactory) CanLoad() bool { return true }

// Load restores a Clipboard from saved transfer buffers.
func (f *ClipboardFactory) Load(_ pipe.HardwareEndpoint, r svcregistry.SnapshotReader) (pipe.ServicePipe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active {
		return nil, fmt.Errorf("services: clipboard already bound: %w", pipe.ErrInvalid)
	}

	c := &Clipboard{factory: f, enabled: f.Enabled, useSystem: f.UseOS}
	for _, buf := range []*[]byte{&c.guestToHost.data, &c.hostToGuest.data} {
		var lenB [4]byte
		if _, err := io.ReadFull(r, lenB[:]); err != nil {
			return nil, fmt.Errorf("services: load clipboard buffer length: %w", err)
		}
		n := binary.LittleEndian.Uint32(lenB[:])
		if n == 0 {
			*buf = nil
			continue
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("services: load clipboard buffer: %w", err)
		}
		*buf = data
	}
	f.active = true
	return c, nil
}

func (f *ClipboardFactory) PreSave()  {}
func (f *ClipboardFactory) PostSave() {}
func (f *ClipboardFactory) PreLoad()  {}
func (f *ClipboardFactory) PostLoad() {}

// release clears the single-active-instance slot, called from
// OnGuestClose so a later connection can bind again.
func (f *ClipboardFactory) release() {
	f.mu.Lock()
	f.active = false
	f.mu.Unlock()
}

// SetEnabled toggles whether the clipboard forwards traffic; while
// disabled, sends and receives are silently dropped.
func (c *Clipboard) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// PushFromHost makes data available to the guest, overwriting any prior
// unread host->guest payload (the transfer is double-buffered, not
// queued — a guest that never reads only ever sees the latest value).
func (c *Clipboard) PushFromHost(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.hostToGuest = transferState{data: data}
}

// OnGuestClose frees the single-instance slot so a later connection to
// "clipboard" can bind again.
func (c *Clipboard) OnGuestClose(pipe.CloseReason) {
	if c.factory != nil {
		c.factory.release()
	}
}

// OnGuestPoll reports writable always, and readable when a host->guest
// payload is pending.
func (c *Clipboard) OnGuestPoll() pipe.PollFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	flags := pipe.PollOut
	if c.hostToGuest.data != nil && c.hostToGuest.sent < len(c.hostToGuest.framed()) {
		flags |= pipe.PollIn
	}
	return flags
}

// OnGuestRecv drains the framed host->guest payload.
func (c *Clipboard) OnGuestRecv(v pipe.Vector) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled || c.hostToGuest.data == nil {
		return 0, pipe.ErrAgain
	}
	framed := c.hostToGuest.framed()
	remaining := framed[c.hostToGuest.sent:]
	if len(remaining) == 0 {
		return 0, pipe.ErrAgain
	}
	n := 0
	for _, seg := range v {
		if n >= len(remaining) {
			break
		}
		c2 := copy(seg.Data, remaining[n:])
		n += c2
	}
	c.hostToGuest.sent += n
	if c.hostToGuest.sent >= len(framed) {
		c.hostToGuest = transferState{}
	}
	return n, nil
}

// OnGuestSend accumulates the guest->host framed payload. Once a full frame
// has arrived, its payload is written to the OS clipboard when UseOS is set
// (a failed write is logged) and is then dropped; the payload is not kept
// in memory. Bytes past the end of that frame stay buffered.
func (c *Clipboard) OnGuestSend(v pipe.Vector) (int, pipe.SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return v.TotalLen(), pipe.SendResult{}, nil
	}

	in := v.Bytes()
	c.guestToHost.data = append(c.guestToHost.data, in...)

	if len(c.guestToHost.data) >= 4 {
		want := binary.LittleEndian.Uint32(c.guestToHost.data[:4])
		if uint32(len(c.guestToHost.data)-4) >= want {
			payload := c.guestToHost.data[4 : 4+want]
			leftover := append([]byte(nil), c.guestToHost.data[4+want:]...)
			c.guestToHost = transferState{data: leftover}

			if c.useSystem {
				if err := clipboard.WriteAll(string(payload)); err != nil {
					log.Printf("services: system clipboard write failed, staying in-memory: %v", err)
				}
			}
		}
	}
	return len(in), pipe.SendResult{}, nil
}

// OnGuestWantWakeOn is a no-op: the clipboard's readiness changes are
// driven synchronously by PushFromHost, not by an external wake source.
func (c *Clipboard) OnGuestWantWakeOn(pipe.WakeFlags) {}

// OnSave persists both transfer buffers, each length-prefixed.
func (c *Clipboard) OnSave(w pipe.SnapshotWriter) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, buf := range [][]byte{c.guestToHost.data, c.hostToGuest.data} {
		var lenB [4]byte
		binary.LittleEndian.PutUint32(lenB[:], uint32(len(buf)))
		if _, err := w.Write(lenB[:]); err != nil {
			return err
		}
		if len(buf) > 0 {
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
	}
	return nil
}
