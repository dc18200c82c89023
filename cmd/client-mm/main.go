package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// controlRequest mirrors the manager control envelope.
type controlRequest struct {
	Action       string   `json:"action"`
	SessionID    string   `json:"session_id,omitempty"`
	Address      string   `json:"address,omitempty"`
	FinalCycles  []uint64 `json:"final_cycles,omitempty"`
	InitialCycle uint64   `json:"initial_cycle,omitempty"`
}

type controlResponse struct {
	OK    bool            `json:"ok"`
	Code  string          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	var (
		addr       = flag.String("addr", "", "manager control address (overrides config)")
		configPath = flag.String("config", "", "path to client targets TOML")
		timeout    = flag.Duration("timeout", 5*time.Second, "request timeout")
	)
	flag.Usage = usage
	flag.Parse()

	target, err := resolveTarget(*configPath, *addr)
	if err != nil {
		fatal(err)
	}

	req, err := buildRequest(flag.Args())
	if err != nil {
		fatal(err)
	}

	resp, err := exchange(target, req, *timeout)
	if err != nil {
		fatal(err)
	}
	printResponse(resp)
	if !resp.OK {
		os.Exit(1)
	}
}

// buildRequest maps CLI arguments onto one control action envelope.
func buildRequest(args []string) (controlRequest, error) {
	if len(args) == 0 {
		return controlRequest{}, fmt.Errorf("action required (status, new-session, run, step, announce)")
	}
	switch args[0] {
	case "status":
		return controlRequest{Action: "status"}, nil
	case "new-session":
		if len(args) != 2 {
			return controlRequest{}, fmt.Errorf("usage: new-session <session-id>")
		}
		return controlRequest{Action: "new_session", SessionID: args[1]}, nil
	case "run":
		if len(args) != 3 {
			return controlRequest{}, fmt.Errorf("usage: run <session-id> <cycle,cycle,...>")
		}
		cycles, err := parseCycles(args[2])
		if err != nil {
			return controlRequest{}, err
		}
		return controlRequest{Action: "session_run", SessionID: args[1], FinalCycles: cycles}, nil
	case "step":
		if len(args) != 3 {
			return controlRequest{}, fmt.Errorf("usage: step <session-id> <initial-cycle>")
		}
		cycle, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return controlRequest{}, fmt.Errorf("invalid initial cycle %q: %w", args[2], err)
		}
		return controlRequest{Action: "session_step", SessionID: args[1], InitialCycle: cycle}, nil
	case "announce":
		if len(args) != 3 {
			return controlRequest{}, fmt.Errorf("usage: announce <session-id> <machine-addr>")
		}
		return controlRequest{Action: "communicate_address", SessionID: args[1], Address: args[2]}, nil
	default:
		return controlRequest{}, fmt.Errorf("unknown action: %s", args[0])
	}
}

func parseCycles(raw string) ([]uint64, error) {
	parts := strings.Split(raw, ",")
	cycles := make([]uint64, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cycle %q: %w", part, err)
		}
		cycles = append(cycles, v)
	}
	return cycles, nil
}

// exchange performs one line-JSON request/response round trip.
func exchange(addr string, req controlRequest, timeout time.Duration) (controlResponse, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return controlResponse{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	line, err := json.Marshal(req)
	if err != nil {
		return controlResponse{}, err
	}
	line = append(line, '\n')
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write(line); err != nil {
		return controlResponse{}, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	respLine, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return controlResponse{}, err
	}
	var resp controlResponse
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return controlResponse{}, err
	}
	return resp, nil
}

func printResponse(resp controlResponse) {
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Println(resp)
		return
	}
	fmt.Println(string(out))
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: client-mm [flags] <action> [args]

actions:
  status
  new-session <session-id>
  run <session-id> <cycle,cycle,...>
  step <session-id> <initial-cycle>
  announce <session-id> <machine-addr>

flags:
`)
	flag.PrintDefaults()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "client-mm: %v\n", err)
	os.Exit(1)
}
