package session

import "errors"

var (
	// ErrSessionNotFound is returned when a session ID has no live session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrProcessNotFound is returned when a process ID is not registered in
	// the session's process table.
	ErrProcessNotFound = errors.New("process not found")
)
