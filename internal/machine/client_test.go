package machine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/voidlake/machinectl/internal/testutil/testlog"
)

func startWorker(t *testing.T, sessionID string) *Worker {
	t.Helper()
	w := NewWorker(sessionID)
	if _, err := w.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("worker start: %v", err)
	}
	t.Cleanup(w.Shutdown)
	return w
}

func TestClientRunAndStep(t *testing.T) {
	testlog.Start(t)

	w := startWorker(t, "S1")
	c := NewClient(2 * time.Second)

	summaries, fingerprints, err := c.Run(context.Background(), w.Addr(), "S1", []uint64{10, 20})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summaries) != 2 || len(fingerprints) != 2 {
		t.Fatalf("expected one result per checkpoint, got %d/%d", len(summaries), len(fingerprints))
	}
	for i, cycle := range []uint64{10, 20} {
		if summaries[i].Cycle != cycle {
			t.Fatalf("summary %d cycle %d, want %d", i, summaries[i].Cycle, cycle)
		}
		if fingerprints[i] != StateFingerprint("S1", cycle) {
			t.Fatalf("fingerprint %d mismatch: %q", i, fingerprints[i])
		}
	}

	summary, fp, err := c.Step(context.Background(), w.Addr(), "S1", 20)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if summary.Cycle != 21 {
		t.Fatalf("unexpected step cycle: %d", summary.Cycle)
	}
	if fp != StateFingerprint("S1", 21) {
		t.Fatalf("unexpected step fingerprint: %q", fp)
	}
}

func TestClientRunRollbackRefused(t *testing.T) {
	testlog.Start(t)

	w := startWorker(t, "S1")
	c := NewClient(2 * time.Second)

	if _, _, err := c.Run(context.Background(), w.Addr(), "S1", []uint64{10}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	_, _, err := c.Run(context.Background(), w.Addr(), "S1", []uint64{5})
	if !errors.Is(err, ErrRollback) {
		t.Fatalf("expected ErrRollback, got %v", err)
	}
}

func TestClientStopTerminatesWorker(t *testing.T) {
	testlog.Start(t)

	w := startWorker(t, "S1")
	c := NewClient(2 * time.Second)

	if err := c.Stop(context.Background(), "S1", w.Addr()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("worker still running after stop")
	}
}

func TestClientReportsRemoteUnavailable(t *testing.T) {
	testlog.Start(t)

	// Bind then release a port so nothing listens on it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := NewClient(500 * time.Millisecond)
	if _, _, err := c.Run(context.Background(), addr, "S1", []uint64{10}); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
}

func TestWorkerAnnounce(t *testing.T) {
	testlog.Start(t)

	w := startWorker(t, "S1")

	// Fake manager endpoint: read the announcement, assert its shape,
	// acknowledge it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	type announce struct {
		Action    string `json:"action"`
		SessionID string `json:"session_id"`
		Address   string `json:"address"`
	}
	got := make(chan announce, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return
		}
		var req announce
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}
		got <- req
		_, _ = conn.Write([]byte(`{"ok":true}` + "\n"))
	}()

	if err := w.Announce(ln.Addr().String(), 2*time.Second); err != nil {
		t.Fatalf("announce: %v", err)
	}
	select {
	case req := <-got:
		if req.Action != "communicate_address" || req.SessionID != "S1" || req.Address != w.Addr() {
			t.Fatalf("unexpected announcement: %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("announcement never arrived")
	}
}

func TestWorkerAnnounceRejected(t *testing.T) {
	testlog.Start(t)

	w := startWorker(t, "S1")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = bufio.NewReader(conn).ReadBytes('\n')
		_, _ = conn.Write([]byte(`{"ok":false,"code":"INVALID_ARGUMENT","error":"registry: unknown session"}` + "\n"))
	}()

	if err := w.Announce(ln.Addr().String(), 2*time.Second); err == nil {
		t.Fatalf("expected rejected announcement to fail")
	}
}

func TestStateFingerprintDeterministic(t *testing.T) {
	testlog.Start(t)

	a := StateFingerprint("S1", 100)
	b := StateFingerprint("S1", 100)
	if a != b {
		t.Fatalf("same state produced different fingerprints")
	}
	if StateFingerprint("S1", 101) == a || StateFingerprint("S2", 100) == a {
		t.Fatalf("distinct states collided")
	}
	if len(a) != 64 {
		t.Fatalf("unexpected digest length: %d", len(a))
	}
}
