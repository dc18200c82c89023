package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/voidlake/machinectl/internal/machine"
	"github.com/voidlake/machinectl/internal/registry"
)

// Transport error codes surfaced on the control wire.
const (
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInvalidArgument    = "INVALID_ARGUMENT"
	CodeUnknown            = "UNKNOWN"
)

// controlRequest is one action envelope consumed by the manager endpoint.
type controlRequest struct {
	Action       string   `json:"action"`
	SessionID    string   `json:"session_id,omitempty"`
	Address      string   `json:"address,omitempty"`
	FinalCycles  []uint64 `json:"final_cycles,omitempty"`
	InitialCycle uint64   `json:"initial_cycle,omitempty"`
}

// controlResponse is one action result envelope emitted by the manager.
type controlResponse struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// newSessionResponse carries the initial state fingerprint.
type newSessionResponse struct {
	Fingerprint machine.Fingerprint `json:"fingerprint"`
}

// handleControlRequest routes one control action to manager operations.
func (s *Service) handleControlRequest(ctx context.Context, req controlRequest) controlResponse {
	action := strings.TrimSpace(req.Action)
	switch action {
	case "status":
		return controlResponse{OK: true, Data: s.manager.Status()}
	case "new_session":
		fp, err := s.manager.NewSession(req.SessionID)
		if err != nil {
			return failureResponse(action, req.SessionID, err)
		}
		return controlResponse{OK: true, Data: newSessionResponse{Fingerprint: fp}}
	case "session_run":
		result, err := s.manager.SessionRun(ctx, req.SessionID, req.FinalCycles)
		if err != nil {
			return failureResponse(action, req.SessionID, err)
		}
		return controlResponse{OK: true, Data: result}
	case "session_step":
		result, err := s.manager.SessionStep(ctx, req.SessionID, req.InitialCycle)
		if err != nil {
			return failureResponse(action, req.SessionID, err)
		}
		return controlResponse{OK: true, Data: result}
	case "communicate_address":
		if err := s.manager.CommunicateAddress(req.SessionID, req.Address); err != nil {
			return failureResponse(action, req.SessionID, err)
		}
		return controlResponse{OK: true}
	default:
		return controlResponse{
			OK:    false,
			Code:  CodeInvalidArgument,
			Error: fmt.Sprintf("unknown action: %s", action),
		}
	}
}

// failureResponse maps one handler failure to its transport code. Classified
// failures travel with their message; anything unclassified is logged with
// full detail and surfaced opaquely.
func failureResponse(action, sessionID string, err error) controlResponse {
	code := codeForError(err)
	msg := err.Error()
	if code == CodeUnknown && !errors.Is(err, machine.ErrRemoteUnavailable) {
		log.Error().Str("action", action).Str("session_id", sessionID).Err(err).Msg("unclassified handler failure")
		msg = "internal error"
	} else {
		log.Warn().Str("action", action).Str("session_id", sessionID).Str("code", code).Err(err).Msg("handler failure")
	}
	return controlResponse{OK: false, Code: code, Error: msg}
}

func codeForError(err error) string {
	switch {
	case errors.Is(err, registry.ErrShuttingDown):
		return CodeServiceUnavailable
	case errors.Is(err, registry.ErrUnknownSession),
		errors.Is(err, registry.ErrDuplicateSession),
		errors.Is(err, registry.ErrAddressAlreadySet),
		errors.Is(err, ErrInvalidSessionID),
		errors.Is(err, ErrInvalidCycleRange),
		errors.Is(err, ErrUnknownAddress),
		errors.Is(err, machine.ErrRollback):
		return CodeInvalidArgument
	default:
		return CodeUnknown
	}
}

func writeControlResponse(w io.Writer, resp controlResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}
