package manager

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voidlake/machinectl/internal/machine"
	"github.com/voidlake/machinectl/internal/observability"
)

// ServiceConfig configures the manager's control and admin endpoints.
type ServiceConfig struct {
	ListenAddr     string
	AdminAddr      string
	CorsOrigins    []string
	Defective      bool
	MachineTimeout time.Duration
	StopTimeout    time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultServiceConfig returns manager endpoint defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:     "localhost:50051",
		AdminAddr:      "",
		Defective:      false,
		MachineTimeout: 5 * time.Second,
		StopTimeout:    2 * time.Second,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
	}
}

// Service owns the control transport and the shutdown coordination around
// one Manager.
type Service struct {
	cfg     ServiceConfig
	manager *Manager

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	// draining gates handler admission so the in-flight wait cannot race
	// a late Add against Wait.
	admitMu  sync.Mutex
	draining bool
	handlers sync.WaitGroup

	adminSrv    *http.Server
	clientCount atomic.Int64
	startedAt   time.Time
}

// NewService constructs a service using the line-JSON machine client.
func NewService(cfg ServiceConfig) *Service {
	return NewServiceWithControl(cfg, machine.NewClient(cfg.MachineTimeout))
}

// NewServiceWithControl constructs a service over an explicit machine
// control boundary.
func NewServiceWithControl(cfg ServiceConfig, machines MachineControl) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	def := DefaultServiceConfig()
	if cfg.MachineTimeout <= 0 {
		cfg.MachineTimeout = def.MachineTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Service{
		cfg:       cfg,
		manager:   NewManager(machines, cfg.Defective, cfg.StopTimeout),
		conns:     make(map[net.Conn]struct{}),
		startedAt: time.Now(),
	}
}

// Manager returns the session lifecycle owner.
func (s *Service) Manager() *Manager { return s.manager }

// Run is the manager runtime entrypoint; it blocks until signal shutdown
// has fully drained the registry and in-flight handlers.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("manager listening")

	adminErr := make(chan error, 1)
	if strings.TrimSpace(s.cfg.AdminAddr) != "" {
		s.adminSrv = s.newAdminServer(strings.TrimSpace(s.cfg.AdminAddr))
		go func() {
			log.Info().Str("addr", s.adminSrv.Addr).Msg("manager admin listening")
			if err := s.adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- err
				return
			}
			adminErr <- nil
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()
	select {
	case err := <-serveErr:
		return err
	case err := <-adminErr:
		if err != nil {
			return err
		}
		return <-serveErr
	}
}

// Serve accepts control connections on ln until ctx is cancelled, then runs
// the coordinated shutdown sequence before returning.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		s.shutdown(ln)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				<-shutdownDone
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleConn(ctx, conn)
	}
}

// shutdown executes the coordinator sequence: flip the flag, drain every
// session's machine process, stop accepting work, then wait for in-flight
// handlers. Handlers are never aborted mid-mutation.
func (s *Service) shutdown(ln net.Listener) {
	log.Info().Msg("shutdown issued")
	s.manager.BeginShutdown()

	stopped := s.manager.Drain()
	log.Info().Int("machines_stopped", stopped).Msg("session drain complete")

	_ = ln.Close()
	if s.adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.adminSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("admin server shutdown failed")
		}
	}

	s.admitMu.Lock()
	s.draining = true
	s.admitMu.Unlock()
	s.handlers.Wait()
	s.closeAllConns()
	log.Info().Msg("shutdown complete")
}

// admit registers one in-flight handler, refusing once draining has begun.
func (s *Service) admit() bool {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	if s.draining {
		return false
	}
	s.handlers.Add(1)
	return true
}

// handleConn decodes one request per line and writes one response per line.
func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.clientCount.Add(1)
	log.Debug().Str("remote", remote).Int64("active_clients", active).Msg("control client connected")
	defer func() {
		remaining := s.clientCount.Add(-1)
		log.Debug().Str("remote", remote).Int64("active_clients", remaining).Msg("control client disconnected")
	}()

	reader := bufio.NewReader(conn)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Debug().Str("remote", remote).Err(err).Msg("control read ended")
			}
			return
		}
		var req controlRequest
		if err := json.Unmarshal(line, &req); err != nil {
			_ = writeControlResponse(conn, controlResponse{
				OK:    false,
				Code:  CodeInvalidArgument,
				Error: err.Error(),
			})
			continue
		}

		var resp controlResponse
		start := time.Now()
		admitted := s.admit()
		if !admitted {
			resp = controlResponse{
				OK:    false,
				Code:  CodeServiceUnavailable,
				Error: "server is shutting down, not accepting new requests",
			}
		} else {
			// Admitted requests run to completion: the signal context must
			// not abort an in-flight remote exchange, so handlers get a
			// detached context and the machine client's per-exchange
			// deadlines are the only bound.
			resp = s.handleControlRequest(context.WithoutCancel(ctx), req)
		}
		observability.RecordControlRequest(strings.TrimSpace(req.Action), responseCode(resp), time.Since(start))

		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		err = writeControlResponse(conn, resp)
		// Completion includes delivering the response; release the in-flight
		// wait only afterwards so teardown cannot close the conn under the
		// write.
		if admitted {
			s.handlers.Done()
		}
		if err != nil {
			log.Warn().Str("remote", remote).Err(err).Msg("control write failed")
			return
		}
	}
}

func responseCode(resp controlResponse) string {
	if resp.OK {
		return "OK"
	}
	return resp.Code
}

// Connection tracking for coordinated teardown of idle control clients.
func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
