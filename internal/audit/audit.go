// Package audit provides one ring buffer of pipe lifecycle events, shared by
// all pipes, with NDJSON file persistence and live subscriptions, for diagnosing pipe
// behavior without re-deriving it from logs scattered across services.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipehost/mux/internal/pipe"
)

const (
	maxEvents = 4096
	maxBytes  = 1 * 1024 * 1024
)

// Event kinds. Callers pass one to Record; in this repo only the demo
// harness records events (open, bind and close).
const (
	KindOpen      = "open"
	KindBind      = "bind"
	KindClose     = "close"
	KindWake      = "wake"
	KindSnapshot  = "snapshot"
	KindRefused   = "refused"
)

// Event is a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	PipeID    pipe.ID   `json:"pipe_id"`
	Service   string    `json:"service,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Log is a ring buffer of recent events with disk persistence and live
// subscriptions, mirroring the shape of a per-instance log store but keyed
// by pipe activity instead of process output streams.
type Log struct {
	mu sync.Mutex

	entries []Event
	head    int
	count   int
	bytes   int

	subs []chan Event

	filePath string
	file     *os.File
}

// New returns a Log persisting to dir/events.ndjson, creating dir if needed.
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "events.ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	return &Log{
		entries:  make([]Event, maxEvents),
		filePath: path,
		file:     f,
	}, nil
}

// Record appends an event to the ring buffer, persists it to disk, and
// notifies any live subscribers.
func (l *Log) Record(kind string, id pipe.ID, service, detail string) {
	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Kind:      kind,
		PipeID:    id,
		Service:   service,
		Detail:    detail,
	}

	l.mu.Lock()

	size := len(ev.Service) + len(ev.Detail) + 64
	for l.count > 0 && (l.bytes+size > maxBytes || l.count >= maxEvents) {
		old := l.entries[l.head]
		l.bytes -= len(old.Service) + len(old.Detail) + 64
		l.head = (l.head + 1) % maxEvents
		l.count--
	}
	idx := (l.head + l.count) % maxEvents
	l.entries[idx] = ev
	l.count++
	l.bytes += size

	if l.file != nil {
		if data, err := json.Marshal(ev); err == nil {
			data = append(data, '\n')
			l.file.Write(data)
		}
	}

	subs := make([]chan Event, len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Recent returns up to tail of the most recently recorded events, in
// chronological order. tail <= 0 returns everything buffered.
func (l *Log) Recent(tail int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, 0, l.count)
	for i := 0; i < l.count; i++ {
		out = append(out, l.entries[(l.head+i)%maxEvents])
	}
	if tail > 0 && len(out) > tail {
		out = out[len(out)-tail:]
	}
	return out
}

// Subscribe returns a channel of live events and an unsubscribe function.
func (l *Log) Subscribe() (ch chan Event, unsub func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch = make(chan Event, 64)
	l.subs = append(l.subs, ch)
	unsub = func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, s := range l.subs {
			if s == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, unsub
}

// Close closes the underlying file and every subscriber channel.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		close(ch)
	}
	l.subs = nil
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
