// Package session tracks connected sessions and the single-writer lock
// each document may carry. The lock and session tables are the only
// mutable shared state in the server core; everything else is derived
// from storage on demand.
package session

import (
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Sender delivers an encoded protocol message to one client connection.
// Implemented by the server's connection writer; a failed send is the
// sender's problem and must never propagate back here.
type Sender interface {
	Send(message []byte) bool
	CloseSend()
}

// Session is one authenticated client connection's server-side state.
type Session struct {
	ID          string
	WorkspaceID string
	Conn        Sender
}

// Manager owns the session table and the per-document lock table.
// All state is volatile: locks do not survive a process restart.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// locks maps workspaceID -> document path -> owning session id.
	locks map[string]map[string]string
	// held maps session id -> set of locked document paths, the
	// reverse index used on disconnect.
	held map[string]map[string]struct{}
}

// NewManager creates an empty session/lock manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		locks:    make(map[string]map[string]string),
		held:     make(map[string]map[string]struct{}),
	}
}

// Join allocates a session for a connection that passed authentication.
func (m *Manager) Join(workspaceID string, conn Sender) *Session {
	s := &Session{
		ID:          ulid.Make().String(),
		WorkspaceID: workspaceID,
		Conn:        conn,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.held[s.ID] = make(map[string]struct{})
	m.mu.Unlock()
	return s
}

// Get returns the session with the given id, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// WorkspaceSessions returns all sessions currently joined to a
// workspace, in no particular order.
func (m *Manager) WorkspaceSessions(workspaceID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.WorkspaceID == workspaceID {
			out = append(out, s)
		}
	}
	return out
}

// AcquireLock grants the document lock iff it is free or already held
// by the same session. Atomic with respect to concurrent callers: for
// one unlocked document, exactly one of N simultaneous acquisitions
// wins. A session that was already ended never acquires.
func (m *Manager) AcquireLock(workspaceID, path, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, alive := m.sessions[sessionID]; !alive {
		return false
	}

	ws := m.locks[workspaceID]
	if ws == nil {
		ws = make(map[string]string)
		m.locks[workspaceID] = ws
	}
	if owner, locked := ws[path]; locked {
		return owner == sessionID
	}
	ws[path] = sessionID
	m.held[sessionID][path] = struct{}{}
	return true
}

// ReleaseLock removes the lock record if the session holds it. A
// release by a non-holder is a no-op.
func (m *Manager) ReleaseLock(workspaceID, path, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ws := m.locks[workspaceID]
	if ws == nil || ws[path] != sessionID {
		return
	}
	delete(ws, path)
	if held := m.held[sessionID]; held != nil {
		delete(held, path)
	}
}

// HasLock reports whether the session currently holds the document lock.
func (m *Manager) HasLock(workspaceID, path, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.locks[workspaceID]
	return ws != nil && ws[path] == sessionID
}

// LockOwner returns the session id holding the lock, or "" if unlocked.
func (m *Manager) LockOwner(workspaceID, path string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws := m.locks[workspaceID]
	if ws == nil {
		return ""
	}
	return ws[path]
}

// EndSession releases every lock owned by the session, removes the
// session record and returns the released paths sorted for stable
// logging. Safe to call concurrently with in-flight operations for the
// session: once it returns, HasLock and AcquireLock for that session
// report false.
func (m *Manager) EndSession(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(m.sessions, sessionID)

	var released []string
	ws := m.locks[s.WorkspaceID]
	for path := range m.held[sessionID] {
		if ws != nil && ws[path] == sessionID {
			delete(ws, path)
			released = append(released, path)
		}
	}
	delete(m.held, sessionID)
	sort.Strings(released)
	return released
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// LockCount returns the number of locks currently held across all
// workspaces.
func (m *Manager) LockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ws := range m.locks {
		n += len(ws)
	}
	return n
}
