package session

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrNotFound is returned for unknown or expired session IDs.
var ErrNotFound = eris.New("session: not found")

// Manager holds the open sessions of one server process. Sessions share
// the catalog and store; each keeps its own order and cursor.
type Manager struct {
	deps Deps
	idle time.Duration
	now  func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	opened   int64
}

// NewManager creates a Manager. Sessions idle longer than idle are dropped
// by Expire; zero keeps them until closed.
func NewManager(deps Deps, idle time.Duration) *Manager {
	return &Manager{
		deps:     deps,
		idle:     idle,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Deps returns the shared collaborators.
func (m *Manager) Deps() Deps {
	return m.deps
}

// Open starts a session for an authenticated tagger. The n-th session
// opened walks the catalog order for the load seed plus n, so concurrent
// annotators start on different records.
func (m *Manager) Open(ctx context.Context, tagger string) (*Session, error) {
	m.mu.Lock()
	seed := m.deps.Catalog.Seed() + m.opened
	m.opened++
	m.mu.Unlock()

	s := New(m.deps, tagger, m.deps.Catalog.Order(seed))
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.deps.Metrics.SetActiveSessions(n)
	zap.L().Info("session: opened",
		zap.String("session_id", s.ID),
		zap.String("tagger", tagger),
		zap.Int64("order_seed", seed),
	)
	return s, nil
}

// Get returns the session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "session: %s", id)
	}
	return s, nil
}

// Close ends the session with id.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return eris.Wrapf(ErrNotFound, "session: %s", id)
	}
	m.deps.Metrics.SetActiveSessions(n)
	zap.L().Info("session: closed", zap.String("session_id", id), zap.String("tagger", s.Tagger))
	return nil
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Expire drops sessions idle longer than the configured limit and returns
// how many were dropped.
func (m *Manager) Expire() int {
	if m.idle <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idle)

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
	}
	n := len(m.sessions)
	m.mu.Unlock()

	if len(expired) > 0 {
		m.deps.Metrics.SetActiveSessions(n)
		zap.L().Info("session: expired idle sessions", zap.Int("expired", len(expired)), zap.Int("open", n))
	}
	return len(expired)
}
