package mcp

import "sync"

// SessionRegistry maps user IDs to the MCP session they last called from.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register points userID at sessionID and reports whether the user had no
// session before. A reconnecting user moves to the new session.
func (r *SessionRegistry) Register(userID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, existed := r.sessions[userID]
	r.sessions[userID] = sessionID
	return !existed
}

// SessionFor returns the session of userID, if connected.
func (r *SessionRegistry) SessionFor(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[userID]
	return sid, ok
}

// Remove drops every user mapped to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for uid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, uid)
		}
	}
}
