package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Turn is one completed exchange kept for prompt context.
type Turn struct {
	Query    string    `json:"query"`
	Response string    `json:"response"`
	At       time.Time `json:"at"`
}

// Session is an in-process conversation transcript. Durable state lives in
// the external memory service; this only feeds prompt assembly.
type Session struct {
	ID             string    `json:"session_id"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	turns []Turn
}

// Manager tracks bounded per-session transcripts and expires idle ones.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxTurns    int
	idleTimeout time.Duration
	onExpire    func(*Session)
}

func NewManager(maxTurns int, idleTimeout time.Duration) *Manager {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		maxTurns:    maxTurns,
		idleTimeout: idleTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// GetOrCreate returns the session with the given ID, creating it when the ID
// is unknown or empty.
func (m *Manager) GetOrCreate(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		if s, ok := m.sessions[sessionID]; ok {
			s.LastActivityAt = time.Now().UTC()
			return cloneSession(s)
		}
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             sessionID,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	m.sessions[s.ID] = s
	return cloneSession(s)
}

// Append records a completed turn, trimming the transcript to the cap.
func (m *Manager) Append(sessionID, query, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.turns = append(s.turns, Turn{Query: query, Response: response, At: time.Now().UTC()})
	if len(s.turns) > m.maxTurns {
		s.turns = s.turns[len(s.turns)-m.maxTurns:]
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Recent returns the session transcript, oldest first.
func (m *Manager) Recent(sessionID string) []Turn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Reset clears the transcript but keeps the session alive.
func (m *Manager) Reset(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.turns = nil
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartJanitor expires idle sessions until ctx is cancelled.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivityAt) < m.idleTimeout {
			continue
		}
		expired = append(expired, cloneSession(s))
		delete(m.sessions, id)
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func cloneSession(s *Session) *Session {
	c := *s
	c.turns = nil
	return &c
}
