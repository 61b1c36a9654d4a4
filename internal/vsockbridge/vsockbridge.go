//go:build linux

// Package vsockbridge adapts a real AF_VSOCK connection into a
// pipe.HardwareEndpoint, as an example of an external "virtual device"
// driving the core over a concrete transport. It is not part of the core,
// and no other package in this repository imports it.
package vsockbridge

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"

	"github.com/mdlayher/vsock"

	"github.com/pipehost/mux/internal/pipe"
	"github.com/pipehost/mux/internal/pipemgr"
)

// Endpoint bridges one vsock connection to one manager-allocated pipe id.
// Bytes read from the socket are fed to Manager.GuestSend as they arrive,
// with no framing; wake signals are written back as 4-byte little-endian
// flag words.
type Endpoint struct {
	id   pipe.ID
	conn *vsock.Conn
	mgr  *pipemgr.Manager
}

// Dial connects to a guest listening on (cid, port) and registers a new
// pipe for the connection.
func Dial(ctx context.Context, mgr *pipemgr.Manager, cid, port uint32) (*Endpoint, error) {
	conn, err := vsock.Dial(cid, port, &vsock.Config{})
	if err != nil {
		return nil, fmt.Errorf("vsockbridge: dial cid=%d port=%d: %w", cid, port, err)
	}
	ep := &Endpoint{conn: conn, mgr: mgr}
	ep.id = mgr.GuestOpen(ep)
	go ep.readLoop()
	return ep, nil
}

// ID implements pipe.HardwareEndpoint.
func (e *Endpoint) ID() pipe.ID { return e.id }

// CloseFromHost implements pipe.HardwareEndpoint.
func (e *Endpoint) CloseFromHost(pipe.CloseReason) {
	e.conn.Close()
}

// SignalWake implements pipe.HardwareEndpoint by writing a 4-byte
// little-endian flag word back over the socket; the guest-side agent is
// expected to treat any non-zero read as "poll again".
func (e *Endpoint) SignalWake(flags pipe.WakeFlags) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(flags))
	if _, err := e.conn.Write(buf[:]); err != nil {
		log.Printf("vsockbridge: wake write failed for pipe %d: %v", e.id, err)
	}
}

func (e *Endpoint) readLoop() {
	r := bufio.NewReader(e.conn)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, sendErr := e.mgr.GuestSend(e.id, pipe.SingleVector(buf[:n])); sendErr != nil {
				log.Printf("vsockbridge: guest send failed for pipe %d: %v", e.id, sendErr)
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("vsockbridge: read error for pipe %d: %v", e.id, err)
			}
			e.mgr.GuestClose(e.id, pipe.CloseError)
			return
		}
	}
}
