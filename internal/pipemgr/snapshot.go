package pipemgr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pipehost/mux/internal/pipe"
	"github.com/pipehost/mux/internal/rawpipe"
)

// markerForceClose / markerStateFollow are the 1-byte markers the wire format pins
// after each pipe's hardware id (§6): a service that can't restore itself
// is force-closed on load rather than carrying stale state forward.
const (
	markerForceClose  byte = 0
	markerStateFollow byte = 1
)

// writeServiceName writes the service name (a LE16 length, then the name
// bytes) ahead of each bound pipe's state so Load knows which factory to hand
// the bytes to; it is not part of the pinned [MODULE] wire contract itself,
// only this repo's concrete encoding of "service bytes".
func writeServiceName(w io.Writer, name string) error {
	b := []byte(name)
	if len(b) > 0xFFFF {
		return fmt.Errorf("pipemgr: service name %q too long to snapshot", name)
	}
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readServiceName(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// Save writes every live pipe to w in the bit-exact wire format: a LE32
// pipe count, then per pipe a BE64 hardware id, a 1-byte marker, and
// (when the marker is markerStateFollow) the service name, a LE32 payload
// length, and the service's OnSave bytes.
func (m *Manager) Save(w io.Writer) error {
	m.reg.ForEachPreSave()
	defer m.reg.ForEachPostSave()

	m.mu.Lock()
	ids := make([]pipe.ID, 0, len(m.live))
	for id := range m.live {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(ids)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return fmt.Errorf("pipemgr: write pipe count: %w", err)
	}

	for _, id := range ids {
		m.mu.Lock()
		ep := m.live[id]
		name := m.boundName[id]
		m.mu.Unlock()

		var hwBuf [8]byte
		binary.BigEndian.PutUint64(hwBuf[:], uint64(id))
		if _, err := w.Write(hwBuf[:]); err != nil {
			return fmt.Errorf("pipemgr: write hw id for pipe %d: %w", id, err)
		}

		svc := ep.Service()
		factory, ok := m.reg.Lookup(name)
		if svc == nil || !ok || !factory.CanLoad() {
			if _, err := w.Write([]byte{markerForceClose}); err != nil {
				return err
			}
			continue
		}

		if _, err := w.Write([]byte{markerStateFollow}); err != nil {
			return err
		}
		if err := writeServiceName(w, name); err != nil {
			return err
		}
		var payload bytes.Buffer
		if err := svc.OnSave(&payload); err != nil {
			return fmt.Errorf("pipemgr: save pipe %d (%s): %w", id, name, err)
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(payload.Len()))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(payload.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Load rebuilds the live-pipe table from a stream produced by Save. Pipes
// whose marker was forceClose, or whose service no longer exists in the
// registry, are reported back via the forceClosed callback so the caller
// can drive the corresponding hardware endpoint closed; Load never invents
// a HardwareEndpoint itself since the device owns that lifecycle.
func (m *Manager) Load(r io.Reader, resolveHW func(pipe.ID) (pipe.HardwareEndpoint, bool), forceClosed func(pipe.ID)) error {
	m.reg.ForEachPreLoad()
	defer m.reg.ForEachPostLoad()

	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return fmt.Errorf("pipemgr: read pipe count: %w", err)
	}
	count := binary.LittleEndian.Uint32(countBuf[:])

	m.mu.Lock()
	m.live = make(map[pipe.ID]*rawpipe.Endpoint)
	m.boundName = make(map[pipe.ID]string)
	m.mu.Unlock()

	for i := uint32(0); i < count; i++ {
		var hwBuf [8]byte
		if _, err := io.ReadFull(r, hwBuf[:]); err != nil {
			return fmt.Errorf("pipemgr: read hw id: %w", err)
		}
		id := pipe.ID(binary.BigEndian.Uint64(hwBuf[:]))

		var marker [1]byte
		if _, err := io.ReadFull(r, marker[:]); err != nil {
			return fmt.Errorf("pipemgr: read marker for pipe %d: %w", id, err)
		}

		if id >= pipe.ID(m.nextID.Load()) {
			m.nextID.Store(int64(id))
		}

		if marker[0] == markerForceClose {
			forceClosed(id)
			continue
		}

		name, err := readServiceName(r)
		if err != nil {
			return fmt.Errorf("pipemgr: read service name for pipe %d: %w", id, err)
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return fmt.Errorf("pipemgr: read payload length for pipe %d: %w", id, err)
		}
		payload := make([]byte, binary.LittleEndian.Uint32(lenBuf[:]))
		if _, err := io.ReadFull(r, payload); err != nil {
			return fmt.Errorf("pipemgr: read payload for pipe %d: %w", id, err)
		}

		factory, ok := m.reg.Lookup(name)
		if !ok || !factory.CanLoad() {
			forceClosed(id)
			continue
		}
		hw, ok := resolveHW(id)
		if !ok {
			forceClosed(id)
			continue
		}
		svc, err := factory.Load(hw, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("pipemgr: load pipe %d (%s): %w", id, name, err)
		}

		ep := rawpipe.NewConnector(id, hw, m.reg)
		ep.AdoptBound(svc, name)
		m.mu.Lock()
		m.live[id] = ep
		m.boundName[id] = name
		m.mu.Unlock()
	}
	return nil
}
