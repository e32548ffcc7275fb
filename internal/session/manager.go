package session

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/schovi/shellcrew/internal/clock"
)

const (
	// exitWait bounds how long KillSession waits for the output pump to
	// observe the exit before recording it itself.
	exitWait = 2 * time.Second

	cleanupInterval = time.Minute
)

type spawner interface {
	kind() string
	spawn(s *Session) (process, error)
}

// Manager owns the live sessions of one backend kind and keeps exited ones
// around for StoppedTTL so their output can still be read.
type Manager struct {
	spawner    spawner
	clock      clock.Clock
	logger     *slog.Logger
	maxOutput  int
	stoppedTTL time.Duration
	cols       int
	rows       int

	mu      sync.Mutex
	live    map[string]*Session
	exited  map[string]*Session
	pending map[string]struct{}

	stopCleanup chan struct{}
	destroyOnce sync.Once
}

func newManager(cfg Config, sp spawner, opts ...Option) *Manager {
	m := &Manager{
		spawner:     sp,
		clock:       clock.Real(),
		logger:      slog.New(slog.DiscardHandler),
		maxOutput:   cfg.MaxOutput,
		stoppedTTL:  cfg.StoppedTTL,
		cols:        cfg.Cols,
		rows:        cfg.Rows,
		live:        make(map[string]*Session),
		exited:      make(map[string]*Session),
		pending:     make(map[string]struct{}),
		stopCleanup: make(chan struct{}),
	}
	if m.maxOutput <= 0 {
		m.maxOutput = DefaultBufferLimit
	}
	if m.cols <= 0 {
		m.cols = DefaultCols
	}
	if m.rows <= 0 {
		m.rows = DefaultRows
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.stoppedTTL > 0 {
		go m.runCleanup()
	}
	return m
}

func (m *Manager) Kind() string { return m.spawner.kind() }

func (m *Manager) CreateSession(name string, opts Options) (*Session, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	opts = opts.withSize(m.cols, m.rows)
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	_, live := m.live[name]
	_, creating := m.pending[name]
	if live || creating {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}
	m.pending[name] = struct{}{}
	m.mu.Unlock()

	sess := newSession(name, m.Kind(), opts, m.maxOutput, m.clock.Now())
	proc, err := m.spawner.spawn(sess)
	if err != nil {
		m.mu.Lock()
		delete(m.pending, name)
		m.mu.Unlock()
		sess.release()
		return nil, fmt.Errorf("%w: starting %q: %v", ErrBackend, name, err)
	}
	sess.proc = proc
	sess.retire = m.retire

	m.mu.Lock()
	delete(m.pending, name)
	if old, ok := m.exited[name]; ok {
		delete(m.exited, name)
		old.release()
	}
	m.live[name] = sess
	m.mu.Unlock()

	if _, ok := proc.(capturer); ok {
		go sess.screen.Answer(io.Discard)
	} else {
		go sess.answerQueries()
	}
	go func() {
		code := proc.Run(sess.emit)
		sess.finish(code, m.clock.Now())
	}()

	m.logger.Info("session created", "session", name, "backend", m.Kind(),
		"pid", proc.Pid(), "command", opts.Command)
	return sess, nil
}

// retire moves an exited session from the live set to the retained set.
func (m *Manager) retire(s *Session) {
	m.mu.Lock()
	if m.live[s.name] == s {
		delete(m.live, s.name)
		m.exited[s.name] = s
	}
	m.mu.Unlock()

	m.logger.Info("session exited", "session", s.name, "exit_code", s.ExitCode())
}

// Session returns a live session, or a retained exited one.
func (m *Manager) Session(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.live[name]; ok {
		return s, nil
	}
	if s, ok := m.exited[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

func (m *Manager) liveSession(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.live[name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// Write forwards data to the session's input unmodified. Writes to one
// session are serialized.
func (m *Manager) Write(name string, data []byte) error {
	s, err := m.liveSession(name)
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil {
		return fmt.Errorf("%w: writing to %q: %v", ErrBackend, name, err)
	}
	return nil
}

// Resize is best effort: backend failures are logged, and an exited session
// is left alone.
func (m *Manager) Resize(name string, cols, rows int) error {
	s, err := m.Session(name)
	if err != nil {
		return err
	}
	if cols <= 0 || rows <= 0 || !s.Running() {
		return nil
	}
	if err := s.resize(cols, rows); err != nil {
		m.logger.Warn("resize failed", "session", name, "error", err)
	}
	return nil
}

// KillSession terminates a live session and waits for its exit to be
// recorded. Unknown and already exited names are not an error.
func (m *Manager) KillSession(name string) error {
	m.mu.Lock()
	s, ok := m.live[name]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	s.proc.Kill()

	select {
	case <-s.Done():
	case <-m.clock.After(exitWait):
		m.logger.Warn("session did not exit after kill", "session", name)
		s.finish(-1, m.clock.Now())
	}
	return nil
}

// ListSessions returns the live session names, sorted.
func (m *Manager) ListSessions() []string {
	m.mu.Lock()
	names := make([]string, 0, len(m.live))
	for name := range m.live {
		names = append(names, name)
	}
	m.mu.Unlock()

	sort.Strings(names)
	return names
}

func (m *Manager) SessionExists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[name]
	return ok
}

// CaptureOutput returns the last lines of a live or retained session.
func (m *Manager) CaptureOutput(name string, lines int) (string, error) {
	s, err := m.Session(name)
	if err != nil {
		return "", err
	}
	out, err := s.capture(lines)
	if err != nil {
		return "", fmt.Errorf("%w: capturing %q: %v", ErrBackend, name, err)
	}
	return out, nil
}

// EnableStreaming turns on output push for a session. It is a no-op for
// pty sessions, which always stream.
func (m *Manager) EnableStreaming(name string) error {
	s, err := m.liveSession(name)
	if err != nil {
		return err
	}
	s.enableStreaming()
	return nil
}

// Screen returns the rendered visible terminal of a session.
func (m *Manager) Screen(name string) (string, error) {
	s, err := m.Session(name)
	if err != nil {
		return "", err
	}
	return s.screen.String(), nil
}

// Sessions describes every live and retained session.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.live)+len(m.exited))
	for _, s := range m.live {
		all = append(all, s)
	}
	for _, s := range m.exited {
		all = append(all, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(all))
	for _, s := range all {
		infos = append(infos, s.Info())
	}
	sortInfos(infos)
	return infos
}

// Forget drops a retained exited session. Live sessions are untouched.
func (m *Manager) Forget(name string) bool {
	m.mu.Lock()
	s, ok := m.exited[name]
	delete(m.exited, name)
	m.mu.Unlock()
	if ok {
		s.release()
	}
	return ok
}

// Destroy kills every live session and releases retained ones.
func (m *Manager) Destroy() {
	m.destroyOnce.Do(func() {
		close(m.stopCleanup)

		var g errgroup.Group
		for _, name := range m.ListSessions() {
			g.Go(func() error {
				return m.KillSession(name)
			})
		}
		g.Wait()

		m.mu.Lock()
		exited := m.exited
		m.exited = make(map[string]*Session)
		m.mu.Unlock()
		for _, s := range exited {
			s.release()
		}
		m.logger.Info("backend destroyed", "backend", m.Kind())
	})
}

func (m *Manager) runCleanup() {
	interval := min(m.stoppedTTL, cleanupInterval)
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCleanup:
			return
		case <-ticker.C():
			m.cleanupExpired()
		}
	}
}

func (m *Manager) cleanupExpired() {
	now := m.clock.Now()
	var expired []*Session

	m.mu.Lock()
	for name, s := range m.exited {
		s.mu.Lock()
		exitedAt := s.exitedAt
		s.mu.Unlock()
		if now.Sub(exitedAt) > m.stoppedTTL {
			delete(m.exited, name)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		s.release()
		m.logger.Debug("purged exited session", "session", s.name)
	}
}
