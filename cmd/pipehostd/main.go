// Command pipehostd is a demo harness: it wires a Pipe Manager, the
// representative services, and an in-memory hardware endpoint together to
// show a complete open/bind/send/recv/close cycle end to end.
package main

import (
	"bytes"
	"encoding/binary"
	"log"
	"os"

	"github.com/pipehost/mux/internal/audit"
	"github.com/pipehost/mux/internal/config"
	"github.com/pipehost/mux/internal/devicesim"
	"github.com/pipehost/mux/internal/pipe"
	"github.com/pipehost/mux/internal/pipemgr"
	"github.com/pipehost/mux/internal/services"
	"github.com/pipehost/mux/internal/store"
	"github.com/pipehost/mux/internal/svcregistry"
	"github.com/pipehost/mux/internal/vmlock"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.Fatalf("ensure dirs: %v", err)
	}

	auditLog, err := audit.New(cfg.AuditDir)
	if err != nil {
		log.Fatalf("open audit log: %v", err)
	}
	defer auditLog.Close()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	reg := svcregistry.New()
	mgr := pipemgr.New(reg)

	if err := reg.Register("debugsink", &services.DebugSinkFactory{W: os.Stdout}); err != nil {
		log.Fatalf("register debugsink: %v", err)
	}
	if err := reg.Register("proctrack", &services.ProcTrackFactory{
		Alloc: db,
		OnClose: func(pid int64, reason pipe.CloseReason) {
			log.Printf("proctrack: pid %d released, reason=%s", pid, reason)
		},
	}); err != nil {
		log.Fatalf("register proctrack: %v", err)
	}
	if err := reg.Register("clipboard", &services.ClipboardFactory{Enabled: true}); err != nil {
		log.Fatalf("register clipboard: %v", err)
	}
	if err := reg.Register("netcmd", &services.NetCmdFactory{}); err != nil {
		log.Fatalf("register netcmd: %v", err)
	}
	if err := reg.Register("asyncecho", &services.AsyncEchoFactory{Queue: mgr.Queue()}); err != nil {
		log.Fatalf("register asyncecho: %v", err)
	}

	mgr.InitThreading(vmlock.NewMutex())

	hw := devicesim.New(1)
	id := mgr.GuestOpen(hw)
	auditLog.Record(audit.KindOpen, id, "", "demo connector opened")

	handshake := append([]byte("pipe:debugsink"), 0)
	if _, err := mgr.GuestSend(id, pipe.SingleVector(handshake)); err != nil {
		log.Fatalf("handshake send: %v", err)
	}
	auditLog.Record(audit.KindBind, id, "debugsink", "")

	if _, err := mgr.GuestSend(id, pipe.SingleVector([]byte("hello from the guest\n"))); err != nil {
		log.Fatalf("payload send: %v", err)
	}

	mgr.GuestClose(id, pipe.CloseGraceful)
	auditLog.Record(audit.KindClose, id, "debugsink", pipe.CloseGraceful.String())

	echoID := mgr.GuestOpen(devicesim.New(2))
	if _, err := mgr.GuestSend(echoID, pipe.SingleVector(append([]byte("pipe:asyncecho"), 0))); err != nil {
		log.Fatalf("asyncecho handshake send: %v", err)
	}
	auditLog.Record(audit.KindBind, echoID, "asyncecho", "")

	msg := []byte("ping over the async message pipe")
	framed := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint32(framed, uint32(len(msg)))
	copy(framed[4:], msg)
	if _, err := mgr.GuestSend(echoID, pipe.SingleVector(framed)); err != nil {
		log.Fatalf("asyncecho send: %v", err)
	}

	mgr.DrainWakes()
	flags, err := mgr.GuestPoll(echoID)
	if err != nil {
		log.Fatalf("asyncecho poll: %v", err)
	}
	if flags&pipe.PollIn == 0 {
		log.Fatalf("asyncecho poll = %v, want PollIn after echo", flags)
	}
	reply := make([]byte, len(framed))
	n, err := mgr.GuestRecv(echoID, pipe.Vector{{Data: reply}})
	if err != nil {
		log.Fatalf("asyncecho recv: %v", err)
	}
	log.Printf("asyncecho: echoed %d bytes back: %q", n, reply[4:n])
	mgr.GuestClose(echoID, pipe.CloseGraceful)
	auditLog.Record(audit.KindClose, echoID, "asyncecho", pipe.CloseGraceful.String())

	var snap bytes.Buffer
	if err := mgr.Save(&snap); err != nil {
		log.Fatalf("save: %v", err)
	}
	log.Printf("snapshot: %d bytes", snap.Len())

	log.Printf("demo complete; recent audit events: %d", len(auditLog.Recent(0)))
}
