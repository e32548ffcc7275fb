package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/schovi/shellcrew/internal/clock"
	"github.com/schovi/shellcrew/internal/persist"
	"github.com/schovi/shellcrew/internal/schedule"
	"github.com/schovi/shellcrew/internal/session"
	"github.com/schovi/shellcrew/internal/store"
	"github.com/schovi/shellcrew/internal/vterm"
)

const (
	ActionPing            = "ping"
	ActionCreate          = "create"
	ActionList            = "list"
	ActionInfo            = "info"
	ActionRead            = "read"
	ActionSend            = "send"
	ActionResize          = "resize"
	ActionKill            = "kill"
	ActionSearch          = "search"
	ActionSaveState       = "save_state"
	ActionScheduleAdd     = "schedule_add"
	ActionScheduleList    = "schedule_list"
	ActionScheduleCancel  = "schedule_cancel"
	ActionScheduleCleanup = "schedule_cleanup"
	ActionDeliveryLogs    = "delivery_logs"
	ActionProjectAdd      = "project_add"
	ActionProjectList     = "project_list"
	ActionProjectRemove   = "project_remove"
)

type Request struct {
	Action string `json:"action"`
	Name   string `json:"name,omitempty"`

	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Cwd         string            `json:"cwd,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Cols        int               `json:"cols,omitempty"`
	Rows        int               `json:"rows,omitempty"`
	RuntimeType string            `json:"runtime_type,omitempty"`
	Role        string            `json:"role,omitempty"`
	TeamID      string            `json:"team_id,omitempty"`

	Input   []byte `json:"input,omitempty"`
	Newline bool   `json:"newline,omitempty"`

	Mode      string `json:"mode,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
	HeadLines int    `json:"head_lines,omitempty"`
	TailLines int    `json:"tail_lines,omitempty"`
	StripANSI bool   `json:"strip_ansi,omitempty"`

	Pattern    string `json:"pattern,omitempty"`
	Before     int    `json:"before,omitempty"`
	After      int    `json:"after,omitempty"`
	IgnoreCase bool   `json:"ignore_case,omitempty"`

	// Forget drops a killed session's output, or deletes a cancelled
	// scheduled message instead of deactivating it.
	Forget bool `json:"forget,omitempty"`

	ID      string            `json:"id,omitempty"`
	Message *schedule.Message `json:"message,omitempty"`
	Project *schedule.Project `json:"project,omitempty"`
	Since   time.Time         `json:"since,omitzero"`
	Until   time.Time         `json:"until,omitzero"`
	Limit   int               `json:"limit,omitempty"`
}

type Response struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type ReadResult struct {
	Output   string        `json:"output"`
	Position int64         `json:"position"`
	State    session.State `json:"state"`
}

type InfoResponse struct {
	session.Info
	RuntimeType  string `json:"runtime_type,omitempty"`
	Role         string `json:"role,omitempty"`
	TeamID       string `json:"team_id,omitempty"`
	Persisted    bool   `json:"persisted"`
	ReadPosition int64  `json:"read_position"`
}

type SearchMatch struct {
	LineNumber int      `json:"line_number"`
	Line       string   `json:"line"`
	Before     []string `json:"before"`
	After      []string `json:"after"`
}

type SearchResponse struct {
	Matches      []SearchMatch `json:"matches"`
	TotalMatches int           `json:"total_matches"`
}

// ScheduleEntry is a stored message plus whether a timer is armed for it.
type ScheduleEntry struct {
	schedule.Message
	Armed bool `json:"armed"`
}

// Deps are the services the control socket drives.
type Deps struct {
	Sessions  *session.Manager
	State     *persist.Store
	Scheduler *schedule.Scheduler
	Store     *store.Store
}

// Server answers newline-delimited JSON requests on a unix socket, one
// request per connection.
type Server struct {
	socketPath string
	deps       Deps
	clock      clock.Clock
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	cursors  map[cursorKey]int64
	conns    sync.WaitGroup
}

type cursorKey struct {
	session string
	cursor  string
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithClock(c clock.Clock) ServerOption {
	return func(s *Server) {
		s.clock = c
	}
}

func NewServer(socketPath string, deps Deps, opts ...ServerOption) *Server {
	s := &Server{
		socketPath: socketPath,
		deps:       deps,
		clock:      clock.Real(),
		logger:     slog.New(slog.DiscardHandler),
		cursors:    make(map[cursorKey]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) SocketPath() string { return s.socketPath }

// Start listens on the socket and serves until Shutdown. A stale socket
// file is replaced.
func (s *Server) Start() error {
	os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("control socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting and waits for in-flight requests.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	s.conns.Wait()
	os.Remove(s.socketPath)
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(ClientDeadline))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.sendResponse(conn, Response{Success: false, Error: err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ClientDeadline)
	defer cancel()
	s.sendResponse(conn, s.handle(ctx, req))
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	if err := req.validate(); err != nil {
		return failure(err)
	}

	var (
		data any
		err  error
	)
	switch req.Action {
	case ActionPing:
		data = "pong"
	case ActionCreate:
		data, err = s.handleCreate(req)
	case ActionList:
		data = s.deps.Sessions.Sessions()
	case ActionInfo:
		data, err = s.handleInfo(req)
	case ActionRead:
		data, err = s.handleRead(req)
	case ActionSend:
		err = s.handleSend(req)
	case ActionResize:
		err = s.deps.Sessions.Resize(req.Name, req.Cols, req.Rows)
	case ActionKill:
		err = s.handleKill(req)
	case ActionSearch:
		data, err = s.handleSearch(req)
	case ActionSaveState:
		data, err = s.handleSaveState()
	case ActionScheduleAdd:
		data, err = s.handleScheduleAdd(ctx, req)
	case ActionScheduleList:
		data, err = s.handleScheduleList(ctx)
	case ActionScheduleCancel:
		err = s.handleScheduleCancel(ctx, req)
	case ActionScheduleCleanup:
		data, err = s.handleScheduleCleanup(ctx)
	case ActionDeliveryLogs:
		data, err = s.handleDeliveryLogs(ctx, req)
	case ActionProjectAdd:
		data, err = s.handleProjectAdd(ctx, req)
	case ActionProjectList:
		data, err = s.deps.Store.Projects(ctx)
	case ActionProjectRemove:
		err = s.deps.Store.DeleteProject(ctx, req.ID)
	default:
		err = fmt.Errorf("unknown action %q", req.Action)
	}

	if err != nil {
		s.logger.Debug("request failed", "action", req.Action, "name", req.Name, "error", err)
		return failure(err)
	}
	return Response{Success: true, Data: data}
}

func failure(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

func (s *Server) sendResponse(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Debug("writing response", "error", err)
	}
}

func (s *Server) handleCreate(req Request) (session.Info, error) {
	command := req.Command
	if command == "" {
		command = os.Getenv("SHELL")
		if command == "" {
			command = "/bin/sh"
		}
	}
	cwd := req.Cwd
	if cwd == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return session.Info{}, fmt.Errorf("no working directory given: %w", err)
		}
		cwd = home
	}

	opts := session.Options{
		Cwd:     cwd,
		Command: command,
		Args:    req.Args,
		Env:     req.Env,
		Cols:    req.Cols,
		Rows:    req.Rows,
	}
	sess, err := s.deps.Sessions.CreateSession(req.Name, opts)
	if err != nil {
		return session.Info{}, err
	}

	s.resetCursors(req.Name)
	s.deps.State.Register(req.Name, opts, persist.Runtime{Type: req.RuntimeType, Role: req.Role, TeamID: req.TeamID})
	s.logger.Info("session created", "session", req.Name, "command", command, "pid", sess.Pid())
	return sess.Info(), nil
}

func (s *Server) handleInfo(req Request) (InfoResponse, error) {
	sess, err := s.deps.Sessions.Session(req.Name)
	if err != nil {
		return InfoResponse{}, err
	}
	resp := InfoResponse{Info: sess.Info()}
	if rt, ok := s.deps.State.Runtime(req.Name); ok {
		resp.Persisted = true
		resp.RuntimeType = rt.Type
		resp.Role = rt.Role
		resp.TeamID = rt.TeamID
	}
	s.mu.Lock()
	resp.ReadPosition = s.cursors[cursorKey{session: req.Name}]
	s.mu.Unlock()
	return resp, nil
}

func (s *Server) handleRead(req Request) (ReadResult, error) {
	sess, err := s.deps.Sessions.Session(req.Name)
	if err != nil {
		return ReadResult{}, err
	}

	var result ReadResult
	switch req.Mode {
	case "", ReadModeNew:
		// The tmux backend only fills the buffer while streaming.
		if sess.Running() {
			if err := s.deps.Sessions.EnableStreaming(req.Name); err != nil {
				return ReadResult{}, err
			}
		}
		key := cursorKey{session: req.Name, cursor: req.Cursor}
		s.mu.Lock()
		data, next := sess.Buffer().Since(s.cursors[key])
		s.cursors[key] = next
		s.mu.Unlock()
		result.Output = string(data)
		result.Position = next
	case ReadModeAll:
		out, err := s.deps.Sessions.CaptureOutput(req.Name, req.TailLines)
		if err != nil {
			return ReadResult{}, err
		}
		result.Output = out
		result.Position = sess.Buffer().Written()
	case ReadModeScreen:
		out, err := s.deps.Sessions.Screen(req.Name)
		if err != nil {
			return ReadResult{}, err
		}
		result.Output = out
		result.Position = sess.Buffer().Written()
	}

	if req.HeadLines > 0 || (req.TailLines > 0 && req.Mode != ReadModeAll) {
		result.Output = LimitLines(result.Output, req.HeadLines, req.TailLines)
	}
	if req.StripANSI {
		cols, _ := sess.Buffer().Size()
		result.Output = vterm.Strip(result.Output, cols)
	}
	result.State = sess.Info().State
	return result, nil
}

func (s *Server) handleSend(req Request) error {
	if !s.deps.Sessions.SessionExists(req.Name) {
		if _, err := s.deps.Sessions.Session(req.Name); err == nil {
			return fmt.Errorf("session %q has exited", req.Name)
		}
		return fmt.Errorf("%w: %s", session.ErrNotFound, req.Name)
	}
	data := req.Input
	if req.Newline {
		data = append(data, '\n')
	}
	return s.deps.Sessions.Write(req.Name, data)
}

func (s *Server) handleKill(req Request) error {
	if err := s.deps.Sessions.KillSession(req.Name); err != nil {
		return err
	}
	s.deps.State.Unregister(req.Name)
	if req.Forget {
		s.deps.Sessions.Forget(req.Name)
		s.resetCursors(req.Name)
	}
	s.logger.Info("session killed", "session", req.Name, "forget", req.Forget)
	return nil
}

func (s *Server) resetCursors(name string) {
	s.mu.Lock()
	for key := range s.cursors {
		if key.session == name {
			delete(s.cursors, key)
		}
	}
	s.mu.Unlock()
}

func (s *Server) handleSearch(req Request) (SearchResponse, error) {
	output, err := s.deps.Sessions.CaptureOutput(req.Name, 0)
	if err != nil {
		return SearchResponse{}, err
	}
	if req.StripANSI {
		output = vterm.Strip(output, vterm.DefaultStripCols)
	}

	patternStr := req.Pattern
	if req.IgnoreCase {
		patternStr = "(?i)" + patternStr
	}
	re, err := regexp.Compile(patternStr)
	if err != nil {
		return SearchResponse{}, fmt.Errorf("invalid pattern: %w", err)
	}

	lines := strings.Split(output, "\n")
	matches := []SearchMatch{}
	for i, line := range lines {
		if !re.MatchString(line) {
			continue
		}
		beforeStart := max(0, i-req.Before)
		afterEnd := min(len(lines), i+req.After+1)
		matches = append(matches, SearchMatch{
			LineNumber: i + 1,
			Line:       line,
			Before:     append([]string{}, lines[beforeStart:i]...),
			After:      append([]string{}, lines[i+1:afterEnd]...),
		})
	}
	return SearchResponse{Matches: matches, TotalMatches: len(matches)}, nil
}

func (s *Server) handleSaveState() (map[string]any, error) {
	n, err := s.deps.State.Save(s.deps.Sessions)
	if err != nil {
		return nil, err
	}
	return map[string]any{"saved": n, "path": s.deps.State.Path()}, nil
}

// LimitLines keeps the first head or the last tail lines of output. A
// trailing newline ends the last line rather than starting an empty one.
func LimitLines(output string, head, tail int) string {
	if output == "" || (head <= 0 && tail <= 0) {
		return output
	}

	body, trailer := strings.CutSuffix(output, "\n")
	lines := strings.Split(body, "\n")

	if head > 0 {
		if head >= len(lines) {
			return output
		}
		return strings.Join(lines[:head], "\n")
	}

	if tail >= len(lines) {
		return output
	}
	out := strings.Join(lines[len(lines)-tail:], "\n")
	if trailer {
		out += "\n"
	}
	return out
}
