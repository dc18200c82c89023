package machine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

// Client drives remote machine processes over their line-JSON control
// endpoint: one request line, one response line per exchange.
type Client struct {
	timeout time.Duration
}

// NewClient constructs a control client with the given per-exchange timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{timeout: timeout}
}

// Run asks the machine at addr to advance sessionID to each requested final
// cycle and returns one summary plus one fingerprint per checkpoint.
func (c *Client) Run(ctx context.Context, addr, sessionID string, finalCycles []uint64) ([]RunSummary, []Fingerprint, error) {
	resp, err := c.exchange(ctx, addr, controlRequest{
		Action:      actionRun,
		SessionID:   sessionID,
		FinalCycles: finalCycles,
	})
	if err != nil {
		return nil, nil, err
	}
	if len(resp.Summaries) != len(finalCycles) || len(resp.Fingerprints) != len(finalCycles) {
		return nil, nil, fmt.Errorf("machine: run returned %d summaries and %d fingerprints for %d checkpoints",
			len(resp.Summaries), len(resp.Fingerprints), len(finalCycles))
	}
	return resp.Summaries, resp.Fingerprints, nil
}

// Step asks the machine at addr for one micro-step from initialCycle.
func (c *Client) Step(ctx context.Context, addr, sessionID string, initialCycle uint64) (RunSummary, Fingerprint, error) {
	resp, err := c.exchange(ctx, addr, controlRequest{
		Action:       actionStep,
		SessionID:    sessionID,
		InitialCycle: initialCycle,
	})
	if err != nil {
		return RunSummary{}, "", err
	}
	if resp.Summary == nil || resp.Fingerprint == "" {
		return RunSummary{}, "", fmt.Errorf("machine: step returned no result")
	}
	return *resp.Summary, resp.Fingerprint, nil
}

// Stop instructs the machine process at addr to terminate. Used by the
// shutdown drain; short-timeout, errors are the caller's to log.
func (c *Client) Stop(ctx context.Context, sessionID, addr string) error {
	_, err := c.exchange(ctx, addr, controlRequest{
		Action:    actionShutdown,
		SessionID: sessionID,
	})
	return err
}

// exchange performs one request/response round trip against addr.
func (c *Client) exchange(ctx context.Context, addr string, req controlRequest) (controlResponse, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", strings.TrimSpace(addr))
	if err != nil {
		return controlResponse{}, fmt.Errorf("%w: dial %s: %v", ErrRemoteUnavailable, addr, err)
	}
	defer conn.Close()

	line, err := json.Marshal(req)
	if err != nil {
		return controlResponse{}, err
	}
	line = append(line, '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(line); err != nil {
		return controlResponse{}, fmt.Errorf("%w: write %s: %v", ErrRemoteUnavailable, addr, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))
	respLine, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return controlResponse{}, fmt.Errorf("%w: read %s: %v", ErrRemoteUnavailable, addr, err)
	}
	var resp controlResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return controlResponse{}, fmt.Errorf("%w: decode %s: %v", ErrRemoteUnavailable, addr, err)
	}
	if !resp.OK {
		if resp.Code == codeRollback {
			return controlResponse{}, fmt.Errorf("%w: %s", ErrRollback, strings.TrimSpace(resp.Error))
		}
		return controlResponse{}, fmt.Errorf("machine: %s failed: %s", req.Action, strings.TrimSpace(resp.Error))
	}
	return resp, nil
}
