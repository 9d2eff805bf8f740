package session

import (
	"path/filepath"
	"sync"
	"time"
)

// Session is a named execution context: a working-directory root, the
// registry of live processes spawned under it, and the identity of the
// currently attached push-channel connection.
type Session struct {
	id string

	mu         sync.Mutex
	root       string
	connID     string
	procs      map[string]*Process
	lastActive time.Time
}

func newSession(id, root string) *Session {
	return &Session{
		id:         id,
		root:       root,
		procs:      make(map[string]*Process),
		lastActive: time.Now(),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Root() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.root
}

func (s *Session) setRoot(root string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.root = root
}

// ResolvePath resolves a command or file path against the session root.
// An empty path yields the root itself; absolute paths pass through.
func (s *Session) ResolvePath(path string) string {
	root := s.Root()
	if path == "" {
		return root
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// BindConn attaches the push-channel connection identity. A session has at
// most one attached connection; a later handshake silently replaces the old
// binding.
func (s *Session) BindConn(connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connID = connID
}

func (s *Session) ConnID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connID
}

func (s *Session) AddProcess(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs[p.ID()] = p
}

// RemoveProcess deregisters a process. Removing an unknown ID is a no-op, so
// the streaming cleanup path and the kill path can race benignly.
func (s *Session) RemoveProcess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.procs, id)
}

func (s *Session) Process(id string) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[id]
	if !ok {
		return nil, ErrProcessNotFound
	}
	return p, nil
}

// Processes snapshots the live process table.
func (s *Session) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	return procs
}

// Touch records activity for idle reaping.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}
