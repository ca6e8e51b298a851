// Package session tracks live BBS sessions: opaque tokens, the node-id
// index, per-session outbound queues, workflow and room pointers, and
// the idle sweeper.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshcitadel/meshcitadel/internal/bbs"
)

// Defaults.
const (
	// TokenLen is the raw session token length in bytes.
	TokenLen = 32

	// sweepInterval is the idle-sweeper cadence.
	sweepInterval = 60 * time.Second

	// queueDepth is the per-session outbound buffer.
	queueDepth = 32
)

// Sentinel errors.
var (
	// ErrSessionNotFound indicates an unknown or expired session token.
	ErrSessionNotFound = errors.New("session not found")

	// ErrQueueFull indicates the session's outbound buffer is saturated.
	ErrQueueFull = errors.New("session message queue full")
)

// SignalLostText is the courtesy message sent when an idle session is
// swept.
const SignalLostText = "Signal lost. Your session has expired. Transmit anything to reconnect."

// Session is one live connection's state. The manager hands out copies;
// MsgQueue is shared by reference and stays valid until the session is
// removed.
type Session struct {
	ID            string
	NodeID        string
	Username      string
	LoggedIn      bool
	CurrentRoomID int64
	Workflow      *bbs.WorkflowState
	CreatedAt     time.Time
	LastActive    time.Time
	MsgQueue      chan bbs.ToUser
}

// ExpiryCallback is invoked after a session is removed. finalMsg is
// non-empty only for idle expiry; the callback owns listener teardown
// and best-effort delivery of the message.
type ExpiryCallback func(sess Session, finalMsg string)

// Manager is the session table. All methods are safe for concurrent use;
// a single mutex covers every mutation.
type Manager struct {
	timeout time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // token → session
	byNode   map[string]string   // node_id → token
	onExpire ExpiryCallback
}

// NewManager builds a session manager. timeout is auth.session_timeout.
func NewManager(timeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "session")),
		sessions: make(map[string]*Session),
		byNode:   make(map[string]string),
	}
}

// SetExpiryCallback installs the expiry hook. Must be called before
// traffic starts.
func (m *Manager) SetExpiryCallback(cb ExpiryCallback) {
	m.mu.Lock()
	m.onExpire = cb
	m.mu.Unlock()
}

// newToken returns a fresh opaque session token.
func newToken() (string, error) {
	buf := make([]byte, TokenLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create opens a session. nodeID may be empty for local (console/admin)
// sessions. A node gets at most one session: an existing session for the
// same node is replaced, and the replaced session is reported through
// the expiry callback with no final message.
func (m *Manager) Create(nodeID string) (Session, error) {
	token, err := newToken()
	if err != nil {
		return Session{}, err
	}
	now := time.Now()
	sess := &Session{
		ID:         token,
		NodeID:     nodeID,
		CreatedAt:  now,
		LastActive: now,
		MsgQueue:   make(chan bbs.ToUser, queueDepth),
	}

	var replaced *Session
	var cb ExpiryCallback

	m.mu.Lock()
	if nodeID != "" {
		if oldToken, ok := m.byNode[nodeID]; ok {
			replaced = m.sessions[oldToken]
			delete(m.sessions, oldToken)
		}
		m.byNode[nodeID] = token
	}
	m.sessions[token] = sess
	cb = m.onExpire
	m.mu.Unlock()

	if replaced != nil {
		m.logger.Info("session replaced",
			slog.String("node_id", nodeID),
			slog.String("username", replaced.Username),
		)
		if cb != nil {
			cb(*replaced, "")
		}
	}
	return *sess, nil
}

// ByNode returns the session bound to a node id.
func (m *Manager) ByNode(nodeID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byNode[nodeID]
	if !ok {
		return Session{}, false
	}
	sess, ok := m.sessions[token]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Get returns a snapshot of the session state.
func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *sess, nil
}

// Validate reports whether the token names a live session.
func (m *Manager) Validate(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// Touch refreshes the session's idle clock.
func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.LastActive = time.Now()
	})
}

// Expire removes a session immediately. The expiry callback fires with
// no final message; explicit logout is not a lost signal.
func (m *Manager) Expire(sessionID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	if sess.NodeID != "" && m.byNode[sess.NodeID] == sessionID {
		delete(m.byNode, sess.NodeID)
	}
	cb := m.onExpire
	m.mu.Unlock()

	if cb != nil {
		cb(*sess, "")
	}
	return nil
}

// Rotate issues a fresh token for an existing session, invalidating the
// old one. Queue, node binding, and all state carry over. Registration
// uses this so a freshly created account does not keep riding the
// anonymous token.
func (m *Manager) Rotate(sessionID string) (Session, error) {
	token, err := newToken()
	if err != nil {
		return Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	sess.ID = token
	m.sessions[token] = sess
	if sess.NodeID != "" {
		m.byNode[sess.NodeID] = token
	}
	return *sess, nil
}

// SetCurrentRoom moves the session's room pointer.
func (m *Manager) SetCurrentRoom(sessionID string, roomID int64) error {
	return m.update(sessionID, func(s *Session) {
		s.CurrentRoomID = roomID
	})
}

// SetWorkflow attaches a workflow state to the session.
func (m *Manager) SetWorkflow(sessionID string, state *bbs.WorkflowState) error {
	return m.update(sessionID, func(s *Session) {
		s.Workflow = state
	})
}

// ClearWorkflow detaches any workflow state.
func (m *Manager) ClearWorkflow(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.Workflow = nil
	})
}

// MarkLoggedIn flips the session to authenticated.
func (m *Manager) MarkLoggedIn(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.LoggedIn = true
	})
}

// MarkUsername binds a username to the session.
func (m *Manager) MarkUsername(sessionID, username string) error {
	return m.update(sessionID, func(s *Session) {
		s.Username = username
	})
}

// Enqueue places an outbound message on the session's queue without
// blocking.
func (m *Manager) Enqueue(sessionID string, msg bbs.ToUser) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	select {
	case sess.MsgQueue <- msg:
		return nil
	default:
		return fmt.Errorf("session %s: %w", sessionID, ErrQueueFull)
	}
}

// ListActive returns snapshots of every live session.
func (m *Manager) ListActive() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, *sess)
	}
	return out
}

// Count returns the live session count.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	fn(sess)
	return nil
}

// -------------------------------------------------------------------------
// Idle sweeper
// -------------------------------------------------------------------------

// Run drives the idle sweeper until the context is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep collects idle victims under the lock, then notifies outside the
// critical section so callbacks may re-enter the manager.
func (m *Manager) sweep(now time.Time) {
	var victims []*Session
	var cb ExpiryCallback

	m.mu.Lock()
	for token, sess := range m.sessions {
		if now.Sub(sess.LastActive) <= m.timeout {
			continue
		}
		sess.Workflow = nil
		delete(m.sessions, token)
		if sess.NodeID != "" && m.byNode[sess.NodeID] == token {
			delete(m.byNode, sess.NodeID)
		}
		victims = append(victims, sess)
	}
	cb = m.onExpire
	m.mu.Unlock()

	for _, sess := range victims {
		m.logger.Info("session expired",
			slog.String("node_id", sess.NodeID),
			slog.String("username", sess.Username),
			slog.Time("last_active", sess.LastActive),
		)
		if cb != nil {
			cb(*sess, SignalLostText)
		}
	}
}
