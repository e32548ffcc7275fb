package session

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schovi/shellcrew/internal/clock"
	"github.com/schovi/shellcrew/internal/tmux"
)

const (
	defaultPollInterval  = time.Second
	defaultReadyAttempts = 20
	readyDelay           = 100 * time.Millisecond
)

// tmuxSpawner runs each session as a tmux session on a dedicated server.
// tmux cannot push output, so every process polls its pane and forwards
// what changed.
type tmuxSpawner struct {
	server        *tmux.Server
	clock         clock.Clock
	logger        *slog.Logger
	pollInterval  time.Duration
	readyAttempts int
}

func (*tmuxSpawner) kind() string { return KindTmux }

func (t *tmuxSpawner) spawn(s *Session) (process, error) {
	opts := s.opts
	err := t.server.NewSession(s.name, opts.Cwd, opts.Cols, opts.Rows, opts.Env, opts.argv()...)
	if err != nil {
		// new-session may succeed while a later command in the list fails.
		if !errors.Is(err, tmux.ErrSessionExists) {
			t.server.KillSession(s.name)
		}
		return nil, err
	}
	// tmux 3.3 and later print a banner into a dead pane; older servers
	// reject the option.
	if err := t.server.SetOption(s.name, "remain-on-exit-format", ""); err != nil {
		t.logger.Debug("remain-on-exit-format unsupported", "session", s.name, "error", err)
	}

	attempts := t.readyAttempts
	if attempts <= 0 {
		attempts = defaultReadyAttempts
	}
	ready := false
	for i := 0; i < attempts; i++ {
		if t.server.HasSession(s.name) {
			ready = true
			break
		}
		t.clock.Sleep(readyDelay)
	}
	if !ready {
		t.server.KillSession(s.name)
		return nil, fmt.Errorf("tmux session %q not ready after %d attempts", s.name, attempts)
	}

	pid, err := t.server.PanePID(s.name)
	if err != nil {
		t.logger.Debug("pane pid unavailable", "session", s.name, "error", err)
	}

	interval := t.pollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &tmuxProcess{
		name:     s.name,
		server:   t.server,
		clock:    t.clock,
		logger:   t.logger,
		interval: interval,
		pid:      pid,
		killed:   make(chan struct{}),
	}, nil
}

type tmuxProcess struct {
	name     string
	server   *tmux.Server
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration
	pid      int

	streaming atomic.Bool
	last      string

	killOnce sync.Once
	killed   chan struct{}
}

func (p *tmuxProcess) Pid() int { return p.pid }

// Run polls pane liveness every interval. While streaming, or once the pane
// is dead, the pane is captured and the difference to the previous capture
// is emitted.
func (p *tmuxProcess) Run(emit func([]byte)) int {
	ticker := p.clock.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.killed:
			if p.streaming.Load() {
				p.poll(emit)
			}
			p.server.KillSession(p.name)
			return -1
		case <-ticker.C():
		}

		dead, code, err := p.server.PaneStatus(p.name)
		if errors.Is(err, tmux.ErrSessionNotFound) || errors.Is(err, tmux.ErrNoServer) {
			p.logger.Warn("tmux session disappeared", "session", p.name)
			return -1
		}
		if err != nil {
			p.logger.Warn("tmux pane status failed", "session", p.name, "error", err)
			continue
		}

		if dead || p.streaming.Load() {
			p.poll(emit)
		}
		if dead {
			p.server.KillSession(p.name)
			return code
		}
	}
}

func (p *tmuxProcess) poll(emit func([]byte)) {
	out, err := p.server.CapturePane(p.name, 0)
	if err != nil {
		p.logger.Warn("tmux capture failed", "session", p.name, "error", err)
		return
	}
	next := cleanCapture(out)
	if delta := captureDelta(p.last, next); delta != "" {
		emit([]byte(delta))
	}
	p.last = next
}

var (
	sgrPattern        = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	deadBannerPattern = regexp.MustCompile(`^(\x1b\[[0-9;]*m)*Pane is dead \(`)
)

// cleanCapture drops the blank rows tmux pads a capture with, and the
// "Pane is dead" line a remain-on-exit pane shows once its command exits.
func cleanCapture(out string) string {
	lines := trimBlankRows(strings.Split(out, "\n"))
	if n := len(lines); n > 0 && deadBannerPattern.MatchString(lines[n-1]) {
		lines = trimBlankRows(lines[:n-1])
	}
	return strings.Join(lines, "\n")
}

func trimBlankRows(lines []string) []string {
	for len(lines) > 0 {
		last := sgrPattern.ReplaceAllString(lines[len(lines)-1], "")
		if strings.TrimSpace(last) != "" {
			break
		}
		lines = lines[:len(lines)-1]
	}
	return lines
}

// captureDelta returns what next adds to prev. When next does not extend
// prev (the pane scrolled past its history or was cleared) the whole of next
// is returned, even though observers may have seen part of it already.
func captureDelta(prev, next string) string {
	if strings.HasPrefix(next, prev) {
		return next[len(prev):]
	}
	return next
}

func (p *tmuxProcess) Write(data []byte) error {
	return p.server.Send(p.name, data)
}

func (p *tmuxProcess) Resize(cols, rows int) error {
	return p.server.ResizeWindow(p.name, cols, rows)
}

func (p *tmuxProcess) Kill() {
	p.killOnce.Do(func() {
		close(p.killed)
	})
}

func (p *tmuxProcess) EnableStreaming() {
	p.streaming.Store(true)
}

func (p *tmuxProcess) Capture(lines int) (string, error) {
	out, err := p.server.CapturePane(p.name, lines)
	if err != nil {
		return "", err
	}
	out = cleanCapture(out)
	if lines <= 0 {
		return out, nil
	}
	tail := NewBuffer(len(out) + 1)
	tail.Write([]byte(out))
	return tail.Content(lines), nil
}
