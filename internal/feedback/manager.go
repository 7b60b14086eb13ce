package feedback

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pald-cli/internal/convergence"
	"github.com/sells-group/pald-cli/internal/model"
)

// Manager keeps live sessions for the HTTP API and expires idle ones.
type Manager struct {
	deps   Deps
	rounds int
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a Manager. Sessions allow rounds submissions and
// expire after ttl without activity; ttl <= 0 disables expiry.
func NewManager(deps Deps, rounds int, ttl time.Duration) *Manager {
	return &Manager{
		deps:     deps,
		rounds:   rounds,
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Start creates a session and runs its initial loop. A failed start leaves
// no session behind.
func (m *Manager) Start(ctx context.Context, req convergence.Request) (*Session, *convergence.Outcome, error) {
	id := req.SessionID
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return nil, nil, eris.Errorf("feedback: session %s already exists", id)
	}
	s := NewSession(id, m.rounds, m.deps)
	m.sessions[id] = s
	m.mu.Unlock()

	out, err := s.Start(ctx, req)
	if err != nil {
		m.remove(id)
		return nil, nil, err
	}
	return s, out, nil
}

// Get returns a live session or model.ErrNotFound.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "feedback: session %s", id)
	}
	return s, nil
}

// Stop ends a session and forgets it. It returns the final outcome.
func (m *Manager) Stop(id string) (*convergence.Outcome, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	s.Stop()
	m.remove(id)
	return s.Final(), nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep drops sessions idle for longer than the TTL and returns how many
// were removed.
func (m *Manager) Sweep() int {
	if m.ttl <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	live := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		live[id] = s
	}
	m.mu.Unlock()

	var expired []*Session
	for id, s := range live {
		if !s.lastActive().Before(cutoff) {
			continue
		}
		m.mu.Lock()
		if m.sessions[id] == s {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
		m.mu.Unlock()
	}
	for _, s := range expired {
		s.Stop()
	}

	if len(expired) > 0 {
		zap.L().Info("feedback: expired idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps on interval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}
