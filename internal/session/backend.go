package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/schovi/shellcrew/internal/clock"
	"github.com/schovi/shellcrew/internal/tmux"
)

const (
	KindPTY  = "pty"
	KindTmux = "tmux"
)

// Backend is the session surface used by the scheduler, the gateway,
// persistence and the control socket. Both kinds are served by Manager.
type Backend interface {
	Kind() string
	CreateSession(name string, opts Options) (*Session, error)
	Session(name string) (*Session, error)
	Write(name string, data []byte) error
	Resize(name string, cols, rows int) error
	KillSession(name string) error
	ListSessions() []string
	SessionExists(name string) bool
	CaptureOutput(name string, lines int) (string, error)
	EnableStreaming(name string) error
	Destroy()
}

var _ Backend = (*Manager)(nil)

// Config selects and sizes a backend.
type Config struct {
	Kind       string
	MaxOutput  int
	StoppedTTL time.Duration
	Cols       int
	Rows       int

	TmuxSocket    string
	PollInterval  time.Duration
	ReadyAttempts int
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// NewBackend builds a Manager for cfg.Kind.
func NewBackend(cfg Config, opts ...Option) (*Manager, error) {
	switch cfg.Kind {
	case KindPTY, "":
		return newManager(cfg, &ptySpawner{}, opts...), nil
	case KindTmux:
		if !tmux.Available() {
			return nil, fmt.Errorf("%w: tmux backend selected but tmux is not installed", ErrBackend)
		}
		if cfg.TmuxSocket == "" {
			return nil, fmt.Errorf("%w: tmux backend needs a socket path", ErrBackend)
		}
		sp := &tmuxSpawner{
			server:        tmux.NewServer(cfg.TmuxSocket),
			pollInterval:  cfg.PollInterval,
			readyAttempts: cfg.ReadyAttempts,
		}
		m := newManager(cfg, sp, opts...)
		sp.clock = m.clock
		sp.logger = m.logger
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrBackend, cfg.Kind)
	}
}
