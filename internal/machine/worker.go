package machine

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Worker is a mock machine process bound to one session. It serves the
// run/step/shutdown control endpoint and announces its own listen address
// back to the manager, modeling the async registration handshake.
//
// Execution is simulated: every checkpoint yields a deterministic state
// fingerprint, and the worker only tracks how far forward it has advanced.
type Worker struct {
	sessionID string

	mu    sync.Mutex
	cycle uint64

	ln      net.Listener
	closing sync.Once
	done    chan struct{}
}

// NewWorker constructs a worker for one session id.
func NewWorker(sessionID string) *Worker {
	return &Worker{
		sessionID: strings.TrimSpace(sessionID),
		done:      make(chan struct{}),
	}
}

// Start begins listening on listenAddr (":0" picks a free port) and serves
// control requests until Shutdown. Returns the bound address.
func (w *Worker) Start(listenAddr string) (string, error) {
	if w.sessionID == "" {
		return "", fmt.Errorf("machine: worker session id required")
	}
	ln, err := net.Listen("tcp", strings.TrimSpace(listenAddr))
	if err != nil {
		return "", err
	}
	w.ln = ln
	go w.serve()
	log.Info().Str("session_id", w.sessionID).Str("addr", ln.Addr().String()).Msg("machine worker listening")
	return ln.Addr().String(), nil
}

// Addr returns the bound control address, or empty before Start.
func (w *Worker) Addr() string {
	if w.ln == nil {
		return ""
	}
	return w.ln.Addr().String()
}

// Done is closed once the worker has shut down.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Shutdown closes the control listener and releases waiters.
func (w *Worker) Shutdown() {
	w.closing.Do(func() {
		if w.ln != nil {
			_ = w.ln.Close()
		}
		close(w.done)
	})
}

// Announce reports this worker's control address to the manager's
// communicate_address callback so the session becomes reachable.
func (w *Worker) Announce(managerAddr string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	conn, err := net.DialTimeout("tcp", strings.TrimSpace(managerAddr), timeout)
	if err != nil {
		return fmt.Errorf("machine: announce dial %s: %w", managerAddr, err)
	}
	defer conn.Close()

	line, err := json.Marshal(struct {
		Action    string `json:"action"`
		SessionID string `json:"session_id"`
		Address   string `json:"address"`
	}{
		Action:    "communicate_address",
		SessionID: w.sessionID,
		Address:   w.Addr(),
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("machine: announce write: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	respLine, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("machine: announce read: %w", err)
	}
	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return fmt.Errorf("machine: announce decode: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("machine: announce rejected: %s", strings.TrimSpace(resp.Error))
	}
	log.Info().Str("session_id", w.sessionID).Str("manager", managerAddr).Msg("machine worker announced")
	return nil
}

func (w *Worker) serve() {
	for {
		conn, err := w.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Str("session_id", w.sessionID).Err(err).Msg("machine worker accept failed")
			return
		}
		go w.handleConn(conn)
	}
}

// handleConn decodes one request per line and writes one response per line.
func (w *Worker) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Warn().Str("session_id", w.sessionID).Err(err).Msg("machine worker read failed")
			}
			return
		}
		var req controlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeResponse(conn, controlResponse{OK: false, Error: err.Error()})
			continue
		}
		resp, shutdown := w.handleRequest(req)
		if err := writeResponse(conn, resp); err != nil {
			log.Warn().Str("session_id", w.sessionID).Err(err).Msg("machine worker write failed")
			return
		}
		if shutdown {
			w.Shutdown()
			return
		}
	}
}

// handleRequest routes one control action. The second return value reports
// whether the worker should stop serving after the response is written.
func (w *Worker) handleRequest(req controlRequest) (controlResponse, bool) {
	switch strings.TrimSpace(req.Action) {
	case actionRun:
		return w.run(req.FinalCycles), false
	case actionStep:
		return w.step(req.InitialCycle), false
	case actionShutdown:
		log.Info().Str("session_id", w.sessionID).Msg("machine worker shutdown requested")
		return controlResponse{OK: true}, true
	default:
		return controlResponse{OK: false, Error: fmt.Sprintf("unknown action: %s", req.Action)}, false
	}
}

// run advances the simulated machine through each requested checkpoint.
// A first checkpoint behind the current cycle would require a rollback,
// which the mock cannot perform; it reports the dedicated rollback code.
func (w *Worker) run(finalCycles []uint64) controlResponse {
	if len(finalCycles) == 0 {
		return controlResponse{OK: false, Error: "no final cycles requested"}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if finalCycles[0] < w.cycle {
		return controlResponse{
			OK:    false,
			Code:  codeRollback,
			Error: fmt.Sprintf("cannot rewind from cycle %d to %d", w.cycle, finalCycles[0]),
		}
	}
	summaries := make([]RunSummary, 0, len(finalCycles))
	fingerprints := make([]Fingerprint, 0, len(finalCycles))
	for _, cycle := range finalCycles {
		w.cycle = cycle
		summaries = append(summaries, RunSummary{Cycle: cycle})
		fingerprints = append(fingerprints, StateFingerprint(w.sessionID, cycle))
	}
	return controlResponse{OK: true, Summaries: summaries, Fingerprints: fingerprints}
}

// step executes one micro-step from initialCycle.
func (w *Worker) step(initialCycle uint64) controlResponse {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := initialCycle + 1
	if next > w.cycle {
		w.cycle = next
	}
	summary := RunSummary{Cycle: next}
	fp := StateFingerprint(w.sessionID, next)
	return controlResponse{OK: true, Summary: &summary, Fingerprint: fp}
}

func writeResponse(conn net.Conn, resp controlResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = conn.Write(payload)
	return err
}
