package session

import "errors"

var (
	ErrAlreadyExists  = errors.New("session already exists")
	ErrNotFound       = errors.New("session not found")
	ErrInvalidName    = errors.New("invalid session name")
	ErrInvalidOptions = errors.New("invalid session options")
	// ErrBackend wraps failures of the underlying process or tmux server.
	ErrBackend = errors.New("backend error")
)
