// Package sessions tracks which live connection belongs to which user.
package sessions

import (
	"log/slog"
	"sync"
)

// Registry is a bijection between user identifiers and connection handles.
// A user has at most one tracked connection and a connection maps to at most one user.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]string
	byConn map[string]string
	logger *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
		logger: logger.With(slog.String("module", "sessions")),
	}
}

// Register binds userID to connID. Any previous binding of either side is evicted first,
// so re-registering a user on a new connection leaves the old connection unmapped.
func (r *Registry) Register(userID, connID string) {
	if userID == "" || connID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byUser[userID]; ok && old != connID {
		delete(r.byConn, old)
		r.logger.Debug("evicted stale connection", "userId", userID, "connId", old)
	}
	if prev, ok := r.byConn[connID]; ok && prev != userID {
		delete(r.byUser, prev)
	}

	r.byUser[userID] = connID
	r.byConn[connID] = userID
}

// Unregister drops the binding for connID. Unknown connections are ignored.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	if r.byUser[userID] == connID {
		delete(r.byUser, userID)
	}
}

// LookupConnection returns the connection currently bound to userID.
func (r *Registry) LookupConnection(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.byUser[userID]
	return connID, ok
}

// LookupUser returns the user currently bound to connID.
func (r *Registry) LookupUser(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.byConn[connID]
	return userID, ok
}

// Len reports the number of live bindings.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}
