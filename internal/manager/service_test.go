package manager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/voidlake/machinectl/internal/machine"
	"github.com/voidlake/machinectl/internal/testutil/testlog"
)

// wireResponse mirrors the control envelope with the payload left raw so
// tests can decode it per action.
type wireResponse struct {
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// startService serves the control endpoint on a loopback port and returns
// its address plus a stop function that runs the full shutdown sequence.
func startService(t *testing.T, svc *Service) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- svc.Serve(ctx, ln)
	}()
	stop := func() {
		cancel()
		select {
		case err := <-serveErr:
			if err != nil {
				t.Fatalf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("serve did not return after shutdown")
		}
	}
	return ln.Addr().String(), stop
}

func exchangeLine(addr, line string, timeout time.Duration) (wireResponse, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return wireResponse{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return wireResponse{}, fmt.Errorf("write: %w", err)
	}
	respLine, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return wireResponse{}, fmt.Errorf("read: %w", err)
	}
	var resp wireResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return wireResponse{}, fmt.Errorf("decode %q: %w", respLine, err)
	}
	return resp, nil
}

func sendLine(t *testing.T, addr, line string) wireResponse {
	t.Helper()
	resp, err := exchangeLine(addr, line, 2*time.Second)
	if err != nil {
		t.Fatalf("%v", err)
	}
	return resp
}

func sendRequest(t *testing.T, addr string, req controlRequest) wireResponse {
	t.Helper()
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return sendLine(t, addr, string(line))
}

func TestControlEndToEndWithWorker(t *testing.T) {
	testlog.Start(t)

	svc := NewService(ServiceConfig{
		ListenAddr:     "127.0.0.1:0",
		MachineTimeout: 2 * time.Second,
		StopTimeout:    2 * time.Second,
		ReadTimeout:    2 * time.Second,
		WriteTimeout:   2 * time.Second,
	})
	addr, stop := startService(t, svc)

	resp := sendRequest(t, addr, controlRequest{Action: "new_session", SessionID: "S1"})
	if !resp.OK {
		t.Fatalf("new_session failed: %+v", resp)
	}
	var created newSessionResponse
	if err := json.Unmarshal(resp.Data, &created); err != nil {
		t.Fatalf("decode new_session data: %v", err)
	}
	if created.Fingerprint != machine.GenesisFingerprint {
		t.Fatalf("expected genesis fingerprint, got %q", created.Fingerprint)
	}

	// The worker announces its own address, modeling the spawned process
	// calling back into the manager.
	worker := machine.NewWorker("S1")
	if _, err := worker.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("worker start: %v", err)
	}
	defer worker.Shutdown()
	if err := worker.Announce(addr, 2*time.Second); err != nil {
		t.Fatalf("worker announce: %v", err)
	}

	resp = sendRequest(t, addr, controlRequest{Action: "session_run", SessionID: "S1", FinalCycles: []uint64{100, 200}})
	if !resp.OK {
		t.Fatalf("session_run failed: %+v", resp)
	}
	var runResult RunResult
	if err := json.Unmarshal(resp.Data, &runResult); err != nil {
		t.Fatalf("decode run data: %v", err)
	}
	if len(runResult.Summaries) != 2 || len(runResult.Fingerprints) != 2 {
		t.Fatalf("expected two checkpoint results, got %+v", runResult)
	}
	for i, cycle := range []uint64{100, 200} {
		if runResult.Fingerprints[i] != machine.StateFingerprint("S1", cycle) {
			t.Fatalf("fingerprint %d mismatch: %q", i, runResult.Fingerprints[i])
		}
	}

	resp = sendRequest(t, addr, controlRequest{Action: "session_step", SessionID: "S1", InitialCycle: 100})
	if !resp.OK {
		t.Fatalf("session_step failed: %+v", resp)
	}
	var stepResult StepResult
	if err := json.Unmarshal(resp.Data, &stepResult); err != nil {
		t.Fatalf("decode step data: %v", err)
	}
	if stepResult.Summary.Cycle != 101 {
		t.Fatalf("unexpected step cycle: %d", stepResult.Summary.Cycle)
	}

	resp = sendRequest(t, addr, controlRequest{Action: "session_run", SessionID: "S1", FinalCycles: []uint64{50}})
	if resp.OK || resp.Code != CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for regressing run, got %+v", resp)
	}

	resp = sendRequest(t, addr, controlRequest{Action: "status"})
	if !resp.OK {
		t.Fatalf("status failed: %+v", resp)
	}
	var status Status
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Sessions != 1 || status.ShuttingDown || status.Defective {
		t.Fatalf("unexpected status: %+v", status)
	}

	// Coordinated shutdown stops the announced worker process.
	stop()
	select {
	case <-worker.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("worker was not stopped during drain")
	}
	if !svc.Manager().Status().ShuttingDown {
		t.Fatalf("shutdown flag not set after drain")
	}
}

func TestControlRejectsMalformedAndUnknownRequests(t *testing.T) {
	testlog.Start(t)

	svc := NewServiceWithControl(ServiceConfig{ListenAddr: "127.0.0.1:0"}, &fakeMachineControl{})
	addr, stop := startService(t, svc)
	defer stop()

	resp := sendLine(t, addr, "{not json")
	if resp.OK || resp.Code != CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for malformed line, got %+v", resp)
	}

	resp = sendRequest(t, addr, controlRequest{Action: "format_disk"})
	if resp.OK || resp.Code != CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for unknown action, got %+v", resp)
	}
}

func TestControlMapsShutdownToServiceUnavailable(t *testing.T) {
	testlog.Start(t)

	svc := NewServiceWithControl(ServiceConfig{ListenAddr: "127.0.0.1:0"}, &fakeMachineControl{})
	addr, stop := startService(t, svc)
	defer stop()

	svc.Manager().BeginShutdown()
	resp := sendRequest(t, addr, controlRequest{Action: "new_session", SessionID: "S1"})
	if resp.OK || resp.Code != CodeServiceUnavailable {
		t.Fatalf("expected SERVICE_UNAVAILABLE after shutdown, got %+v", resp)
	}
}

func TestServeStopsAcceptingAfterShutdown(t *testing.T) {
	testlog.Start(t)

	svc := NewServiceWithControl(ServiceConfig{ListenAddr: "127.0.0.1:0"}, &fakeMachineControl{})
	addr, stop := startService(t, svc)
	stop()

	conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	if err == nil {
		conn.Close()
		t.Fatalf("control endpoint still accepting after shutdown")
	}
}

// blockingMachineControl parks Run until released so tests can trigger
// shutdown while a request is in flight.
type blockingMachineControl struct {
	fakeMachineControl
	entered chan struct{}
	release chan struct{}
}

func (b *blockingMachineControl) Run(ctx context.Context, addr, sessionID string, finalCycles []uint64) ([]machine.RunSummary, []machine.Fingerprint, error) {
	close(b.entered)
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	return b.fakeMachineControl.Run(ctx, addr, sessionID, finalCycles)
}

func TestAdmittedRequestRunsToCompletionThroughShutdown(t *testing.T) {
	testlog.Start(t)

	fake := &blockingMachineControl{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := NewServiceWithControl(ServiceConfig{ListenAddr: "127.0.0.1:0"}, fake)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- svc.Serve(ctx, ln)
	}()
	addr := ln.Addr().String()

	if _, err := svc.Manager().NewSession("S1"); err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := svc.Manager().CommunicateAddress("S1", "10.0.0.1:9000"); err != nil {
		t.Fatalf("communicate address: %v", err)
	}

	line, err := json.Marshal(controlRequest{Action: "session_run", SessionID: "S1", FinalCycles: []uint64{100}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	type result struct {
		resp wireResponse
		err  error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := exchangeLine(addr, string(line), 5*time.Second)
		results <- result{resp, err}
	}()

	// The run is admitted and parked inside the machine call when the
	// shutdown signal lands.
	select {
	case <-fake.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("run never reached the machine")
	}
	cancel()
	time.Sleep(50 * time.Millisecond)
	close(fake.release)

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatalf("admitted request lost: %v", r.err)
		}
		if !r.resp.OK {
			t.Fatalf("admitted request aborted by shutdown: %+v", r.resp)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("admitted request never completed")
	}

	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return after shutdown")
	}
	if len(fake.stopCalls) != 1 || fake.stopCalls[0] != "S1" {
		t.Fatalf("drain did not stop the session's machine: %v", fake.stopCalls)
	}
}

func TestAdmitRefusesOnceDraining(t *testing.T) {
	testlog.Start(t)

	svc := NewServiceWithControl(ServiceConfig{ListenAddr: "127.0.0.1:0"}, &fakeMachineControl{})
	if !svc.admit() {
		t.Fatalf("admission refused before draining")
	}
	svc.handlers.Done()

	svc.admitMu.Lock()
	svc.draining = true
	svc.admitMu.Unlock()
	if svc.admit() {
		t.Fatalf("admission granted while draining")
	}
}
