package session

import "sync"

// Registry is the process-wide table of sessions. It is an owned object wired
// through constructors rather than ambient state; the server, engine, and
// correlators all share one instance.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Initialize creates the session if it does not exist, or updates its root if
// it does. Re-initializing keeps the existing process table and connection
// binding, so the call is idempotent on identity.
func (r *Registry) Initialize(id, root string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.setRoot(root)
		s.Touch()
		return s
	}
	s := newSession(id, root)
	r.sessions[id] = s
	return s
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// GetByConn finds the session bound to a push-channel connection identity.
func (r *Registry) GetByConn(connID string) (*Session, bool) {
	if connID == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ConnID() == connID {
			return s, true
		}
	}
	return nil, false
}

// Remove drops a session from the registry, returning it so the caller can
// tear down its processes.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

// Sessions snapshots all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}
