package manager

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voidlake/machinectl/internal/machine"
	"github.com/voidlake/machinectl/internal/observability"
	"github.com/voidlake/machinectl/internal/registry"
)

var (
	ErrInvalidSessionID  = errors.New("manager: session id required")
	ErrInvalidCycleRange = errors.New("manager: invalid cycle range")
	ErrUnknownAddress    = errors.New("manager: session has no registered machine address")
)

// MachineControl is the boundary to remote machine processes. The drain path
// and the run/step handlers call it only while holding the session's lock.
type MachineControl interface {
	Run(ctx context.Context, addr, sessionID string, finalCycles []uint64) ([]machine.RunSummary, []machine.Fingerprint, error)
	Step(ctx context.Context, addr, sessionID string, initialCycle uint64) (machine.RunSummary, machine.Fingerprint, error)
	Stop(ctx context.Context, sessionID, addr string) error
}

// RunResult carries one summary and one state fingerprint per requested
// checkpoint, in request order.
type RunResult struct {
	Summaries    []machine.RunSummary  `json:"summaries"`
	Fingerprints []machine.Fingerprint `json:"fingerprints"`
}

// StepResult carries the outcome of one micro-step.
type StepResult struct {
	Summary     machine.RunSummary  `json:"summary"`
	Fingerprint machine.Fingerprint `json:"fingerprint"`
}

// Status reports manager-wide state for the status action and admin surface.
type Status struct {
	Sessions     int  `json:"sessions"`
	ShuttingDown bool `json:"shutting_down"`
	Defective    bool `json:"defective"`
}

// Manager implements the session lifecycle operations over the registry.
type Manager struct {
	reg         *registry.Registry
	machines    MachineControl
	defective   bool
	stopTimeout time.Duration
}

// NewManager wires the registry to a machine control boundary. When
// defective is set, exactly one fingerprint per run response is corrupted;
// the mode exists to validate downstream divergence detection and is never
// enabled by default.
func NewManager(machines MachineControl, defective bool, stopTimeout time.Duration) *Manager {
	if stopTimeout <= 0 {
		stopTimeout = 2 * time.Second
	}
	if defective {
		log.Warn().Msg("defective mode enabled: run fingerprints will be corrupted, for testing only")
	}
	return &Manager{
		reg:         registry.New(),
		machines:    machines,
		defective:   defective,
		stopTimeout: stopTimeout,
	}
}

// Registry exposes the underlying session registry.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Status snapshots manager-wide state.
func (m *Manager) Status() Status {
	return Status{
		Sessions:     m.reg.Len(),
		ShuttingDown: m.reg.ShuttingDown(),
		Defective:    m.defective,
	}
}

// Sessions snapshots per-session state for the admin surface.
func (m *Manager) Sessions() []registry.SessionInfo {
	return m.reg.Snapshot()
}

// NewSession creates a session and returns the machine's initial state
// fingerprint. Real execution would report the genesis digest of the
// machine; the worker has not announced itself yet, so the placeholder
// stands in.
func (m *Manager) NewSession(sessionID string) (machine.Fingerprint, error) {
	if m.reg.ShuttingDown() {
		return "", registry.ErrShuttingDown
	}
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return "", ErrInvalidSessionID
	}
	if _, err := m.reg.Create(id); err != nil {
		return "", err
	}
	observability.SetActiveSessions(m.reg.Len())
	log.Info().Str("session_id", id).Msg("session created")
	return machine.GenesisFingerprint, nil
}

// SessionRun advances a session's machine through the requested checkpoints.
// The remote call happens under the session lock, so two runs on the same
// session are strictly serialized while runs on distinct sessions proceed
// independently.
func (m *Manager) SessionRun(ctx context.Context, sessionID string, finalCycles []uint64) (RunResult, error) {
	if m.reg.ShuttingDown() {
		return RunResult{}, registry.ErrShuttingDown
	}
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return RunResult{}, ErrInvalidSessionID
	}
	if err := validateFinalCycles(finalCycles); err != nil {
		return RunResult{}, err
	}
	s, err := m.reg.Lookup(id)
	if err != nil {
		return RunResult{}, err
	}

	s.Lock()
	defer s.Unlock()
	if s.Addr == "" {
		return RunResult{}, ErrUnknownAddress
	}
	if s.HasRun && finalCycles[0] < s.MaxCycle {
		return RunResult{}, ErrInvalidCycleRange
	}

	summaries, fingerprints, err := m.machines.Run(ctx, s.Addr, id, finalCycles)
	if err != nil {
		return RunResult{}, err
	}
	s.HasRun = true
	s.MaxCycle = finalCycles[len(finalCycles)-1]

	if m.defective && len(fingerprints) > 0 {
		// Single injection point: silently corrupt the final fingerprint.
		fingerprints[len(fingerprints)-1] = corruptFingerprint(fingerprints[len(fingerprints)-1])
	}
	return RunResult{Summaries: summaries, Fingerprints: fingerprints}, nil
}

// SessionStep executes one micro-step at initialCycle. Steps are only
// meaningful inside a window established by a prior run.
func (m *Manager) SessionStep(ctx context.Context, sessionID string, initialCycle uint64) (StepResult, error) {
	if m.reg.ShuttingDown() {
		return StepResult{}, registry.ErrShuttingDown
	}
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return StepResult{}, ErrInvalidSessionID
	}
	s, err := m.reg.Lookup(id)
	if err != nil {
		return StepResult{}, err
	}

	s.Lock()
	defer s.Unlock()
	if s.Addr == "" {
		return StepResult{}, ErrUnknownAddress
	}
	if !s.HasRun || initialCycle > s.MaxCycle {
		return StepResult{}, ErrInvalidCycleRange
	}

	summary, fingerprint, err := m.machines.Step(ctx, s.Addr, id, initialCycle)
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Summary: summary, Fingerprint: fingerprint}, nil
}

// CommunicateAddress records the address a spawned machine process announces
// for its session. Unknown ids are rejected, which shields the registry from
// stale or forged callbacks. No shutdown check: a worker spawned before the
// flag flipped may still announce while its session drains.
func (m *Manager) CommunicateAddress(sessionID, addr string) error {
	id := strings.TrimSpace(sessionID)
	if id == "" {
		return ErrInvalidSessionID
	}
	address := strings.TrimSpace(addr)
	if address == "" {
		return errors.New("manager: address required")
	}
	if err := m.reg.RegisterAddress(id, address); err != nil {
		return err
	}
	log.Info().Str("session_id", id).Str("addr", address).Msg("machine address registered")
	return nil
}

// BeginShutdown flips the registry flag; subsequent lifecycle requests fail
// fast while in-flight ones run to completion.
func (m *Manager) BeginShutdown() {
	m.reg.BeginShutdown()
}

// Drain stops every announced machine process, best effort, and returns the
// number of stop calls issued.
func (m *Manager) Drain() int {
	return m.reg.DrainAndStop(func(sessionID, addr string) error {
		ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
		defer cancel()
		err := m.machines.Stop(ctx, sessionID, addr)
		observability.RecordMachineStop(err == nil)
		return err
	})
}

// validateFinalCycles enforces well-formed checkpoint targets: at least one
// value, monotonically non-decreasing.
func validateFinalCycles(finalCycles []uint64) error {
	if len(finalCycles) == 0 {
		return ErrInvalidCycleRange
	}
	for i := 1; i < len(finalCycles); i++ {
		if finalCycles[i] < finalCycles[i-1] {
			return ErrInvalidCycleRange
		}
	}
	return nil
}

// corruptFingerprint flips the leading hex digit so the digest no longer
// matches what the machine reported.
func corruptFingerprint(fp machine.Fingerprint) machine.Fingerprint {
	if len(fp) == 0 {
		return "01"
	}
	b := []byte(fp)
	if b[0] == '0' {
		b[0] = '1'
	} else {
		b[0] = '0'
	}
	return machine.Fingerprint(b)
}
