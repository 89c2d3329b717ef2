// Package auth validates tokens against the store and enforces the
// process-wide single-active-session discipline: at most one client may
// hold the session lock, and only that client's token may refresh or
// release it.
package auth

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxhall/whisperd/internal/token"
)

// Session describes the current holder of the single-session lock.
type Session struct {
	// ID identifies the holding connection. A reconnect with the same
	// token supersedes the previous connection and installs its own ID,
	// so a stale socket can never release the lock out from under the
	// live one.
	ID string

	// Token is a snapshot of the stored record at acquisition time.
	Token token.Record

	// ClientName is the token's client name, echoed to competing clients
	// in session_busy responses.
	ClientName string

	// AcquiredAt is refreshed on supersession by the same token.
	AcquiredAt time.Time
}

// Manager owns the single-session lock and fronts the token store for
// connection authentication and admin operations. All methods are safe
// for concurrent use.
type Manager struct {
	store *token.Store

	mu     sync.Mutex
	active *Session

	now func() time.Time
}

// New creates a Manager over the given store.
func New(store *token.Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Validate returns the stored record for plaintext, or nil when the token
// is unknown, revoked, or expired.
func (m *Manager) Validate(plaintext string) (*token.Record, error) {
	return m.store.Validate(plaintext)
}

// Acquire attempts to take the single-session lock for rec on behalf of
// the connection identified by sessionID. It succeeds when no session is
// active or when the active session belongs to the same token, in which
// case the new connection supersedes the old one as the holder.
func (m *Manager) Acquire(rec *token.Record, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.Token.Hash != rec.Hash {
		return false
	}

	superseded := m.active != nil && m.active.ID != sessionID
	m.active = &Session{
		ID:         sessionID,
		Token:      *rec,
		ClientName: rec.ClientName,
		AcquiredAt: m.now(),
	}
	if superseded {
		slog.Info("session lock superseded by reconnect", "client", rec.ClientName, "session", sessionID)
	} else {
		slog.Info("session lock acquired", "client", rec.ClientName, "session", sessionID)
	}
	return true
}

// Release frees the lock if sessionID is the current holder connection.
// A superseded connection's release is a no-op, so a stale socket closing
// cannot free the lock the live connection holds.
func (m *Manager) Release(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil || m.active.ID != sessionID {
		return false
	}
	slog.Info("session lock released", "client", m.active.ClientName, "session", sessionID)
	m.active = nil
	return true
}

// ForceRelease unconditionally frees the lock. Called by the admin
// force-release endpoint.
func (m *Manager) ForceRelease() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		slog.Info("session lock force-released", "client", m.active.ClientName)
	}
	m.active = nil
}

// IsSessionActive reports whether a session currently holds the lock.
func (m *Manager) IsSessionActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// ActiveClientName returns the lock holder's client name, or "".
func (m *Manager) ActiveClientName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.ClientName
}

// RevokeByID revokes a token by its non-secret ID, refusing to revoke the
// token that holds the active session.
func (m *Manager) RevokeByID(tokenID string) (bool, error) {
	m.mu.Lock()
	holder := ""
	if m.active != nil {
		holder = m.active.Token.ID
	}
	m.mu.Unlock()

	if holder != "" && holder == tokenID {
		return false, fmt.Errorf("auth: refusing to revoke the active session's token")
	}
	return m.store.RevokeByID(tokenID)
}
