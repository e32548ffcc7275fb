// Package tmux drives a dedicated tmux server through its CLI. Every command
// targets one socket with -S and the server is started with -f /dev/null, so
// the user's own tmux server and configuration are never touched.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionExists   = errors.New("tmux session already exists")
	ErrSessionNotFound = errors.New("tmux session not found")
)

// Available reports whether the tmux binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

type Server struct {
	socket     string
	configFile string
}

// NewServer returns a Server bound to socket. The server process itself is
// started lazily by the first NewSession.
func NewServer(socket string) *Server {
	return &Server{socket: socket, configFile: "/dev/null"}
}

func (s *Server) Socket() string { return s.socket }

func (s *Server) run(args ...string) (string, error) {
	full := append([]string{"-u", "-S", s.socket}, args...)
	cmd := exec.Command("tmux", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", wrapError(err, stderr.String(), args)
	}
	return stdout.String(), nil
}

func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") ||
		strings.Contains(stderr, "server exited unexpectedly") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") ||
		strings.Contains(stderr, "can't find pane") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", subcommand(args), stderr)
	}
	return fmt.Errorf("tmux %s: %w", subcommand(args), err)
}

// subcommand returns the first word of args that is not a -f config flag.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-f" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}

// NewSession starts a detached session running argv. argv is handed to tmux
// as separate words after "env", so tmux execs it directly instead of
// passing a joined string to a shell.
//
// remain-on-exit is set in the same command list, before the server gets a
// chance to reap a command that exits immediately, so the pane and its exit
// status survive until KillSession. A session target alone resolves to a
// window name for set-option, so the target is the session's pane.
func (s *Server) NewSession(name, cwd string, cols, rows int, env map[string]string, argv ...string) error {
	if len(argv) == 0 {
		return fmt.Errorf("tmux new-session %q: empty command", name)
	}
	args := []string{"-f", s.configFile, "new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if cols > 0 && rows > 0 {
		args = append(args, "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}

	args = append(args, "env")
	args = append(args, argv...)
	args = append(args, ";", "set-option", "-t", pane(name), "remain-on-exit", "on")
	_, err := s.run(args...)
	return err
}

func (s *Server) HasSession(name string) bool {
	_, err := s.run("has-session", "-t", exact(name))
	return err == nil
}

// KillSession is a no-op when the session or the whole server is gone.
func (s *Server) KillSession(name string) error {
	_, err := s.run("kill-session", "-t", exact(name))
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

func (s *Server) KillServer() error {
	_, err := s.run("kill-server")
	if errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// SetOption sets a session or window option; tmux infers the scope from key.
func (s *Server) SetOption(name, key, value string) error {
	_, err := s.run("set-option", "-t", pane(name), key, value)
	return err
}

func (s *Server) ListSessions() ([]string, error) {
	out, err := s.run("list-sessions", "-F", "#{session_name}")
	if errors.Is(err, ErrNoServer) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// Send types data into the session's pane. Runs of text go through
// send-keys -l; carriage returns and line feeds become Enter. Text is
// passed after "--" so a leading dash is not read as a flag.
func (s *Server) Send(name string, data []byte) error {
	target := pane(name)
	var text strings.Builder
	flush := func() error {
		if text.Len() == 0 {
			return nil
		}
		_, err := s.run("send-keys", "-t", target, "-l", "--", literal(text.String()))
		text.Reset()
		return err
	}

	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '\r', '\n':
			if err := flush(); err != nil {
				return err
			}
			if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
				i++
			}
			if _, err := s.run("send-keys", "-t", target, "Enter"); err != nil {
				return err
			}
		default:
			text.WriteByte(data[i])
		}
	}
	return flush()
}

// CapturePane returns the pane's scrollback and visible content with escape
// sequences kept and wrapped lines joined. lines <= 0 captures the whole
// history.
func (s *Server) CapturePane(name string, lines int) (string, error) {
	start := "-"
	if lines > 0 {
		start = "-" + strconv.Itoa(lines)
	}
	return s.run("capture-pane", "-p", "-e", "-J", "-t", pane(name), "-S", start)
}

// PaneStatus reports whether the pane's command has exited and its exit
// status. Requires remain-on-exit on the session.
func (s *Server) PaneStatus(name string) (dead bool, exitCode int, err error) {
	out, err := s.run("display-message", "-p", "-t", pane(name), "#{pane_dead} #{pane_dead_status}")
	if err != nil {
		return false, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return false, 0, fmt.Errorf("tmux display-message: empty pane status")
	}
	if fields[0] != "1" {
		return false, 0, nil
	}
	if len(fields) > 1 {
		if code, convErr := strconv.Atoi(fields[1]); convErr == nil {
			return true, code, nil
		}
	}
	return true, -1, nil
}

func (s *Server) PanePID(name string) (int, error) {
	out, err := s.run("display-message", "-p", "-t", pane(name), "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

func (s *Server) ResizeWindow(name string, cols, rows int) error {
	_, err := s.run("resize-window", "-t", pane(name), "-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows))
	return err
}

// literal keeps tmux from reading a trailing ";" as a command separator.
// An argument ending in a backslash and semicolon reaches the command with
// only the semicolon, so the escape is a backslash before the final one.
func literal(text string) string {
	if strings.HasSuffix(text, ";") {
		return text[:len(text)-1] + "\\;"
	}
	return text
}

// exact prevents tmux from prefix-matching a different session.
func exact(name string) string {
	return "=" + name
}

// pane targets the active pane of the session's current window.
func pane(name string) string {
	return "=" + name + ":"
}
