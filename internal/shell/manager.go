package shell

import (
	"fmt"
	"sync"
)

// Manager tracks all live sessions by id. It is a plain registry for the
// API layer; sessions never interact with each other.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a new, empty Manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// Create spawns a new session and registers it under the given id. It
// returns an error if a session with the same id already exists.
func (m *Manager) Create(id, name string, opts Options) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("shell: session %q already exists", id)
	}

	sess, err := New(id, name, opts)
	if err != nil {
		return nil, err
	}

	m.sessions[id] = sess
	return sess, nil
}

// Get returns the session with the given id, or an error if not found.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("shell: session %q not found", id)
	}
	return sess, nil
}

// Destroy removes the session from the manager and closes it.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("shell: session %q not found", id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	return sess.Close()
}

// List returns metadata for every tracked session.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, SessionInfo{
			ID:        sess.id,
			Name:      sess.name,
			Active:    !sess.closed.Load() && !sess.terminated.Load(),
			Blocking:  sess.blocking.Load(),
			State:     sess.CurrentState().String(),
			CreatedAt: sess.createdAt,
		})
	}
	return infos
}

// Close terminates and removes all sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sess := range m.sessions {
		_ = sess.Close()
		delete(m.sessions, id)
	}
}
