package services

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/pipehost/mux/internal/pipe"
	"github.com/pipehost/mux/internal/svcregistry"
)

// netCmdHistorySize bounds the diagnostic ring of recent commands. Eviction
// here never affects correctness: PushCommand only writes to the ring, and
// no code reads it back.
const netCmdHistorySize = 64

// NetCmd is an out-of-band, host-to-guest command channel: the host
// enqueues commands, the guest reads their concatenated bytes as a plain
// stream (no per-command boundaries), and readability flips to false
// exactly when the writer buffer empties.
type NetCmd struct {
	mu     sync.Mutex
	buf    []byte
	seq    atomic.Int64
	recent *lru.Cache // sequence number -> command bytes, diagnostics only
}

// NetCmdFactory creates NetCmd instances. Snapshot load always force-closes
// a network-command pipe: out-of-band host commands are not meaningful to
// replay against a resumed guest.
type NetCmdFactory struct{}

// Create returns a fresh NetCmd with an empty writer buffer.
func (f *NetCmdFactory) Create(_ pipe.HardwareEndpoint, _ string) (pipe.ServicePipe, error) {
	c, _ := lru.New(netCmdHistorySize)
	return &NetCmd{recent: c}, nil
}

// CanLoad is false: network-command pipes are force-closed on load.
func (f *NetCmdFactory) CanLoad() bool { return false }

// Load is never called since CanLoad is false.
func (f *NetCmdFactory) Load(pipe.HardwareEndpoint, svcregistry.SnapshotReader) (pipe.ServicePipe, error) {
	return nil, pipe.ErrInvalid
}

func (f *NetCmdFactory) PreSave()  {}
func (f *NetCmdFactory) PostSave() {}
func (f *NetCmdFactory) PreLoad()  {}
func (f *NetCmdFactory) PostLoad() {}

// PushCommand appends a host-issued out-of-band command to the writer
// buffer, making the pipe readable.
func (n *NetCmd) PushCommand(cmd []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.buf = append(n.buf, cmd...)
	seq := n.seq.Add(1)
	if n.recent != nil {
		n.recent.Add(seq, append([]byte(nil), cmd...))
	}
}

// OnGuestClose is a no-op: the writer buffer is simply discarded.
func (n *NetCmd) OnGuestClose(pipe.CloseReason) {}

// OnGuestPoll reports readable exactly when the writer buffer is non-empty.
func (n *NetCmd) OnGuestPoll() pipe.PollFlags {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.buf) > 0 {
		return pipe.PollIn
	}
	return 0
}

// OnGuestRecv drains the writer buffer.
func (n *NetCmd) OnGuestRecv(v pipe.Vector) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.buf) == 0 {
		return 0, pipe.ErrAgain
	}
	total := 0
	for _, seg := range v {
		if total >= len(n.buf) {
			break
		}
		c := copy(seg.Data, n.buf[total:])
		total += c
	}
	n.buf = n.buf[total:]
	return total, nil
}

// OnGuestSend is a no-op: this is a one-way, host-to-guest channel; guest
// writes are accepted and discarded rather than erroring the pipe.
func (n *NetCmd) OnGuestSend(v pipe.Vector) (int, pipe.SendResult, error) {
	return v.TotalLen(), pipe.SendResult{}, nil
}

// OnGuestWantWakeOn is a no-op: readiness is driven synchronously by
// PushCommand.
func (n *NetCmd) OnGuestWantWakeOn(pipe.WakeFlags) {}

// OnSave is never called: CanLoad is false.
func (n *NetCmd) OnSave(pipe.SnapshotWriter) error { return nil }
