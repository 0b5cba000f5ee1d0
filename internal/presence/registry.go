// Package presence tracks which users are reachable on which connection and
// drives their online/offline lifecycle. The in-memory registry is the single
// source of truth for "is this user reachable right now"; durable presence
// (Postgres columns, Redis snapshot) is written best-effort by the Lifecycle
// controller.
package presence

import "sync"

// Registry maps user identities to their live connection. The policy is
// single-connection-per-user with last-connection-wins: registering a new
// connection for a user silently supersedes the previous one.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]string // userID -> connID
	byConn map[string]string // connID -> userID
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
	}
}

// Register binds connID to userID, replacing any prior connection mapped to
// that user. It is idempotent and performs no notification of its own;
// presence broadcasts are the Lifecycle controller's job.
func (r *Registry) Register(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byUser[userID]; ok && prev != connID {
		// The old connection is now stale; drop its reverse entry so a late
		// disconnect of that socket cannot be mistaken for the live one.
		delete(r.byConn, prev)
	}
	if prevUser, ok := r.byConn[connID]; ok && prevUser != userID {
		// The connection re-identified as someone else; the previous user no
		// longer owns it, or lookups for both users would hit one socket.
		if r.byUser[prevUser] == connID {
			delete(r.byUser, prevUser)
		}
	}
	r.byUser[userID] = connID
	r.byConn[connID] = userID
}

// Unregister removes the entry for connID. The live result is true only when
// the connection was still the user's current one; a disconnect of a
// superseded connection reports live=false so callers do not flip the user
// offline during a fast reconnect.
func (r *Registry) Unregister(connID string) (userID string, live bool, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, found = r.byConn[connID]
	if !found {
		return "", false, false
	}
	delete(r.byConn, connID)

	if r.byUser[userID] == connID {
		delete(r.byUser, userID)
		return userID, true, true
	}
	return userID, false, true
}

// Lookup returns the live connection for userID, if any.
func (r *Registry) Lookup(userID string) (connID string, ok bool) {
	r.mu.RLock()
	connID, ok = r.byUser[userID]
	r.mu.RUnlock()
	return connID, ok
}

// UserOf returns the user bound to connID, if any.
func (r *Registry) UserOf(connID string) (userID string, ok bool) {
	r.mu.RLock()
	userID, ok = r.byConn[connID]
	r.mu.RUnlock()
	return userID, ok
}

// Count returns the number of users with a live connection.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
