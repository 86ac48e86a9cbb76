package terminal

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	logging "gopkg.in/op/go-logging.v1"
)

// Manager owns every named Session on a Periphery process (spec §4.7: "one
// TerminalSession per named terminal; created on demand"). It plays the
// same process-wide-registry role package peer's Registry plays for
// connections, grounded on the same pattern.
type Manager struct {
	log *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	// DisableTerminals mirrors config's disable_terminals feature gate
	// (spec §6); when set, CreateSession always fails.
	DisableTerminals bool
}

// NewManager builds an empty terminal manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{log: log, sessions: make(map[string]*Session)}
}

// CreateSession returns the existing session named `name` if recreate
// policy allows reuse, otherwise starts a fresh PTY, per spec §4.7's
// recreate policy: Never/Always/DifferentCommand.
func (m *Manager) CreateSession(ctx context.Context, name string, command []string, policy RecreatePolicy) (*Session, error) {
	if m.DisableTerminals {
		m.warnf("terminal: refusing to create %q, terminals are disabled by configuration", name)
		return nil, errors.New("terminal: terminals are disabled by configuration")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[name]
	if ok {
		switch policy {
		case RecreateNever:
			if !existing.sameCommand(command) {
				return nil, errors.Errorf("terminal: session %q already exists with a different command", name)
			}
			return existing, nil
		case RecreateDifferentCommand:
			if existing.sameCommand(command) {
				return existing, nil
			}
			existing.Close()
		case RecreateAlways:
			existing.Close()
		}
	}

	sess, err := newSession(ctx, name, command)
	if err != nil {
		return nil, err
	}
	m.sessions[name] = sess
	return sess, nil
}

// Get returns the named session, if live.
func (m *Manager) Get(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Sweep removes sessions whose underlying process has exited (spec §5:
// "terminals are periodically swept for cancelled entries"). Call on a
// ticker from the owning process's maintenance loop.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.sessions {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			delete(m.sessions, name)
		}
	}
}

// Shutdown cancels every live session and returns without waiting for
// their cleanup goroutines; the 100ms shutdown grace is observed by the
// caller (server.Daemon.Stop), not here.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// log helper kept for parity with other packages' Warningf-on-nil-safe
// logging idiom.
func (m *Manager) warnf(format string, args ...any) {
	if m.log != nil {
		m.log.Warningf(format, args...)
	}
}
