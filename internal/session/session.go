// Package session implements the Session Manager: a registry of
// live sessions, each holding a set of client handles tagged by role, and
// the broadcast primitives every other component uses to reach connected
// clients. It deliberately knows nothing about scenario state, physiology
// rules, or cost control — those live under the session's lock in the
// gateway's per-session aggregate and merely borrow a handle to this
// registry to reach clients.
package session

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/MrWong99/simgateway/pkg/types"
)

// Sentinel join failures.
var (
	ErrInvalidSession = errors.New("session: invalid session id")
	ErrAuthRequired   = errors.New("session: auth required")
	ErrSessionFull    = errors.New("session: session full")
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

// ValidSessionID reports whether id matches the allowed session-id format.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// ClientHandle is a connected client's send/close surface, implemented by
// the transport layer over its own connection. Send and Close must be
// safe to call concurrently with each other and with themselves.
type ClientHandle interface {
	// UserID identifies the learner or presenter this handle belongs to.
	UserID() string
	// Role reports the handle's role within its session.
	Role() types.Role
	// Send delivers one outbound message. A returned error marks the
	// handle for removal; it never blocks the caller indefinitely.
	Send(v any) error
	// Close disconnects the handle, surfacing reason to the client on a
	// best-effort basis.
	Close(reason string) error
}

// clientEntry pairs a handle with its per-client metadata.
type clientEntry struct {
	handle      ClientHandle
	displayName string
	character   string
}

// Session is one registry entry: the live client set for one session id.
// Every other per-session aggregate (scenario engine, cost controller,
// and so on) is owned by the gateway and reached by its own session id,
// not stored here.
type Session struct {
	ID string

	mu         sync.RWMutex
	clients    map[string]*clientEntry // keyed by userID
	createdAt  time.Time
	emptySince time.Time // zero value means non-empty
}

func newSession(id string, now time.Time) *Session {
	return &Session{ID: id, clients: make(map[string]*clientEntry), createdAt: now}
}

// ClientCount returns the number of currently connected clients.
func (s *Session) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// EmptySince reports when the session last held zero clients, or the zero
// time if it currently holds at least one.
func (s *Session) EmptySince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emptySince
}

// Manager is the Session Manager: the registry of live sessions and the
// broadcast primitives that reach their clients.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// MaxClientsPerSession, if > 0, caps the ceiling join enforces.
	MaxClientsPerSession int

	// RequireAuth, if true, makes Join validate authToken via Authenticate.
	RequireAuth bool

	// Authenticate validates a (sessionID, userID, authToken) triple. It
	// is only consulted when RequireAuth is true. A nil Authenticate with
	// RequireAuth true rejects every join with ErrAuthRequired.
	Authenticate func(sessionID, userID, authToken string) bool

	// Now is overridable for deterministic tests; defaults to time.Now.
	Now func() time.Time
}

// NewManager builds an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Get returns the session for id, if one is currently registered.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Join registers handle under sessionID/userID, creating the session if
// this is its first client. Join is idempotent per (sessionId, userId): a
// second join from the same user replaces the prior handle, which is
// closed with an explanatory reason.
func (m *Manager) Join(handle ClientHandle, sessionID string, displayName, character, authToken string) (*Session, error) {
	if !ValidSessionID(sessionID) {
		return nil, ErrInvalidSession
	}
	if m.RequireAuth {
		if m.Authenticate == nil || !m.Authenticate(sessionID, handle.UserID(), authToken) {
			return nil, ErrAuthRequired
		}
	}

	now := m.now()

	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		sess = newSession(sessionID, now)
		m.sessions[sessionID] = sess
	}
	m.mu.Unlock()

	sess.mu.Lock()
	if m.MaxClientsPerSession > 0 && len(sess.clients) >= m.MaxClientsPerSession {
		if _, already := sess.clients[handle.UserID()]; !already {
			sess.mu.Unlock()
			return nil, ErrSessionFull
		}
	}
	prior := sess.clients[handle.UserID()]
	sess.clients[handle.UserID()] = &clientEntry{handle: handle, displayName: displayName, character: character}
	sess.emptySince = time.Time{}
	sess.mu.Unlock()

	if prior != nil && prior.handle != handle {
		_ = prior.handle.Close("replaced by a new connection for the same user")
	}

	return sess, nil
}

// Leave removes userID's handle from sessionID, if present. It does not
// close the handle — the caller is the one tearing it down.
func (m *Manager) Leave(sessionID, userID string) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	delete(sess.clients, userID)
	empty := len(sess.clients) == 0
	if empty && sess.emptySince.IsZero() {
		sess.emptySince = m.now()
	}
	sess.mu.Unlock()
}

// snapshot copies out the handles matching pred under the read lock, so
// sends happen outside any lock.
func (s *Session) snapshot(pred func(*clientEntry) bool) []ClientHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ClientHandle, 0, len(s.clients))
	for _, c := range s.clients {
		if pred == nil || pred(c) {
			out = append(out, c.handle)
		}
	}
	return out
}

func (s *Session) removeBroken(userID string, handle ClientHandle) {
	s.mu.Lock()
	if cur, ok := s.clients[userID]; ok && cur.handle == handle {
		delete(s.clients, userID)
	}
	s.mu.Unlock()
}

// broadcast delivers msg to every handle matching pred. A send failure on
// one handle never blocks or aborts delivery to the others; the
// broken handle is marked for removal.
func (m *Manager) broadcast(sessionID string, msg any, pred func(*clientEntry) bool) {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	handles := sess.snapshot(pred)
	for _, h := range handles {
		if err := h.Send(msg); err != nil {
			sess.removeBroken(h.UserID(), h)
		}
	}
}

// BroadcastToSession delivers msg to every connected client in sessionID.
func (m *Manager) BroadcastToSession(sessionID string, msg any) {
	m.broadcast(sessionID, msg, nil)
}

// BroadcastToPresenters delivers msg only to clients joined with the
// presenter role.
func (m *Manager) BroadcastToPresenters(sessionID string, msg any) {
	m.broadcast(sessionID, msg, func(c *clientEntry) bool { return c.handle.Role() == types.RolePresenter })
}

// SendToClient delivers msg to exactly one client. It returns an error if
// the client is not currently connected; a send error is swallowed and
// the handle is marked for removal, matching the best-effort contract of
// the broadcast primitives.
func (m *Manager) SendToClient(sessionID, userID string, msg any) error {
	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session: %s: %w", sessionID, ErrInvalidSession)
	}

	sess.mu.RLock()
	entry, ok := sess.clients[userID]
	sess.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session: %s: client %s not connected", sessionID, userID)
	}

	if err := entry.handle.Send(msg); err != nil {
		sess.removeBroken(userID, entry.handle)
	}
	return nil
}

// Reapable lists ids of sessions with zero connected clients that have
// been empty for at least grace. The gateway combines this with its own
// per-session pending-order state before actually removing one.
func (m *Manager) Reapable(grace time.Duration) []string {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, sess := range m.sessions {
		since := sess.EmptySince()
		if !since.IsZero() && now.Sub(since) >= grace {
			ids = append(ids, id)
		}
	}
	return ids
}

// Remove deletes sessionID from the registry unconditionally. Callers
// should only do this after confirming via Reapable (or their own
// bookkeeping) that the session is truly done.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Count returns the number of currently registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
