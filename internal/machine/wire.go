package machine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrRemoteUnavailable marks dial or I/O failure against a machine process.
	ErrRemoteUnavailable = errors.New("machine: remote process unavailable")
	// ErrRollback marks a machine process that could not rewind to the
	// requested starting point and is therefore in an inconsistent state.
	ErrRollback = errors.New("machine: rollback failed")
)

// Fingerprint is an opaque hex digest of a machine's state at a checkpoint.
type Fingerprint string

// GenesisFingerprint is the placeholder digest of an unexecuted machine.
const GenesisFingerprint Fingerprint = "00"

// StateFingerprint derives the deterministic digest the mock worker reports
// for one session at one cycle.
func StateFingerprint(sessionID string, cycle uint64) Fingerprint {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s@%d", sessionID, cycle)))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// RunSummary describes one completed checkpoint of a machine run.
type RunSummary struct {
	Cycle  uint64 `json:"cycle"`
	Halted bool   `json:"halted"`
}

// Wire actions consumed by a machine process control endpoint.
const (
	actionRun      = "run"
	actionStep     = "step"
	actionShutdown = "shutdown"
)

// Rollback failures travel as a dedicated wire code so the manager can
// distinguish them from plain transport errors.
const codeRollback = "rollback"

// controlRequest is one request envelope sent to a machine process.
type controlRequest struct {
	Action       string   `json:"action"`
	SessionID    string   `json:"session_id"`
	FinalCycles  []uint64 `json:"final_cycles,omitempty"`
	InitialCycle uint64   `json:"initial_cycle,omitempty"`
}

// controlResponse is one response envelope emitted by a machine process.
type controlResponse struct {
	OK           bool          `json:"ok"`
	Code         string        `json:"code,omitempty"`
	Error        string        `json:"error,omitempty"`
	Summaries    []RunSummary  `json:"summaries,omitempty"`
	Fingerprints []Fingerprint `json:"fingerprints,omitempty"`
	Summary      *RunSummary   `json:"summary,omitempty"`
	Fingerprint  Fingerprint   `json:"fingerprint,omitempty"`
}
