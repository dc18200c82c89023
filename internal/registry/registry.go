package registry

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSession    = errors.New("registry: unknown session")
	ErrDuplicateSession  = errors.New("registry: duplicate session")
	ErrAddressAlreadySet = errors.New("registry: address already registered")
	ErrShuttingDown      = errors.New("registry: shutting down")
)

// Session is one tracked remote machine process.
//
// Addr, MaxCycle and HasRun are guarded by the session lock. The registry
// hands out *Session so every caller, including the shutdown drain,
// serializes per-session work on the same lock.
type Session struct {
	ID string

	// Addr is empty until the machine process announces itself.
	Addr string
	// MaxCycle is the highest checkpoint reached by a successful run.
	MaxCycle uint64
	// HasRun reports whether at least one run completed for this session.
	HasRun bool

	mu sync.Mutex
}

// Lock acquires the session's exclusive lock. Remote-machine calls for a
// session happen only while this lock is held.
func (s *Session) Lock() { s.mu.Lock() }

// Unlock releases the session's exclusive lock.
func (s *Session) Unlock() { s.mu.Unlock() }

// SessionInfo is a read-only snapshot of one session entry.
type SessionInfo struct {
	ID       string `json:"id"`
	Addr     string `json:"addr,omitempty"`
	HasRun   bool   `json:"has_run"`
	MaxCycle uint64 `json:"max_cycle"`
}

// StopFunc instructs the remote machine process at addr to terminate.
type StopFunc func(sessionID, addr string) error

// Registry owns the session map, the shutdown flag, and the global lock
// guarding both. Entry contents are guarded by each entry's own lock;
// when both locks are needed the order is always global first, then entry.
type Registry struct {
	mu           sync.Mutex
	entries      map[string]*Session
	shuttingDown bool
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]*Session),
	}
}

// Create inserts a new session with no address. It fails once shutdown has
// begun so a new entry can never slip in behind the drain snapshot.
func (r *Registry) Create(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return nil, ErrShuttingDown
	}
	if _, ok := r.entries[id]; ok {
		return nil, ErrDuplicateSession
	}
	s := &Session{ID: id}
	r.entries[id] = s
	return s, nil
}

// Lookup returns the entry for id. Callers must acquire the entry lock
// before reading or mutating its fields.
func (r *Registry) Lookup(id string) (*Session, error) {
	r.mu.Lock()
	s, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// RegisterAddress records the announced machine address for id. The address
// is one-shot: a second registration fails and the first address is kept.
func (r *Registry) RegisterAddress(id, addr string) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	if s.Addr != "" {
		return ErrAddressAlreadySet
	}
	s.Addr = addr
	return nil
}

// BeginShutdown flips the shutdown flag. Idempotent; the flag is never reset.
func (r *Registry) BeginShutdown() {
	r.mu.Lock()
	r.shuttingDown = true
	r.mu.Unlock()
}

// ShuttingDown reports the flag under the global lock so callers observe a
// value at least as recent as any BeginShutdown that happened before.
func (r *Registry) ShuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shuttingDown
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot copies the current per-session state for status surfaces.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.entries))
	for _, s := range r.entries {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		s.Lock()
		out = append(out, SessionInfo{
			ID:       s.ID,
			Addr:     s.Addr,
			HasRun:   s.HasRun,
			MaxCycle: s.MaxCycle,
		})
		s.Unlock()
	}
	return out
}

// DrainAndStop stops every session's remote machine process, best effort.
// The entry set is snapshotted under the global lock, then each entry is
// drained under its own lock: sessions without an address are skipped, and
// stop failures are logged without aborting the remaining drain. Returns
// the number of stop calls issued.
func (r *Registry) DrainAndStop(stop StopFunc) int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.entries))
	for _, s := range r.entries {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	stopped := 0
	for _, s := range sessions {
		s.Lock()
		addr := s.Addr
		if addr == "" {
			s.Unlock()
			log.Info().Str("session_id", s.ID).Msg("drain: session has no reachable machine process, skipping")
			continue
		}
		// The entry lock is held across the stop call so an in-flight
		// run/step on the same session finishes before its process dies.
		err := stop(s.ID, addr)
		s.Unlock()
		stopped++
		if err != nil {
			log.Warn().Str("session_id", s.ID).Str("addr", addr).Err(err).Msg("drain: machine stop failed")
			continue
		}
		log.Info().Str("session_id", s.ID).Str("addr", addr).Msg("drain: machine stopped")
	}
	return stopped
}
