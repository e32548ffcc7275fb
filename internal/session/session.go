package session

import (
	"sort"
	"sync"
	"time"

	"github.com/schovi/shellcrew/internal/vterm"
)

type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
)

// DataFunc receives output chunks. It is called with the session's emit lock
// held and must not block or call back into the session.
type DataFunc func(data []byte)

// process is the backend-specific half of a session.
type process interface {
	Pid() int
	// Run pumps output into emit until the process is gone and returns its
	// exit code.
	Run(emit func([]byte)) int
	Write(data []byte) error
	Resize(cols, rows int) error
	// Kill terminates the process; Run returns soon after.
	Kill()
}

// capturer is implemented by processes that can read their output without
// streaming (tmux).
type capturer interface {
	Capture(lines int) (string, error)
}

type streamer interface {
	EnableStreaming()
}

// Session is one supervised process and its output.
type Session struct {
	name      string
	backend   string
	opts      Options
	createdAt time.Time

	buf    *Buffer
	screen *vterm.Screen
	proc   process

	// mu orders output: buffer appends, screen writes and listener calls
	// happen under it, as do attach and exit.
	mu        sync.Mutex
	listeners map[int]DataFunc
	nextID    int
	exitFns   []func(code int)
	state     State
	exitCode  int
	exitedAt  time.Time
	cols      int
	rows      int
	streaming bool

	writeMu sync.Mutex

	done       chan struct{}
	finishOnce sync.Once
	retire     func(*Session)
}

func newSession(name, backend string, opts Options, limit int, now time.Time) *Session {
	buf := NewBuffer(limit)
	buf.Resize(opts.Cols, opts.Rows)
	return &Session{
		name:      name,
		backend:   backend,
		opts:      opts,
		createdAt: now,
		buf:       buf,
		screen:    vterm.New(opts.Cols, opts.Rows),
		listeners: make(map[int]DataFunc),
		state:     StateRunning,
		cols:      opts.Cols,
		rows:      opts.Rows,
		done:      make(chan struct{}),
	}
}

func (s *Session) Name() string     { return s.name }
func (s *Session) Options() Options { return s.opts }
func (s *Session) Buffer() *Buffer  { return s.buf }

// Done is closed once the process has exited and the exit was recorded.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Pid() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

// ExitCode is meaningful once Done is closed.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Attach registers fn for future output. replay, when non-nil, receives a
// copy of the buffered output first; no chunk is both replayed and passed to
// fn. The returned func detaches.
func (s *Session) Attach(replay func(snapshot []byte), fn DataFunc) (detach func()) {
	s.mu.Lock()
	if replay != nil {
		replay(s.buf.Bytes())
	}
	if s.state != StateRunning {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// OnExit registers fn to run once with the exit code. If the session already
// exited, fn runs immediately.
func (s *Session) OnExit(fn func(code int)) {
	s.mu.Lock()
	if s.state != StateRunning {
		code := s.exitCode
		s.mu.Unlock()
		fn(code)
		return
	}
	s.exitFns = append(s.exitFns, fn)
	s.mu.Unlock()
}

func (s *Session) emit(data []byte) {
	if len(data) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Write(data)
	s.screen.Write(data)
	for _, fn := range s.listeners {
		fn(data)
	}
}

func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.proc.Write(data)
}

// answerQueries feeds terminal query replies back into the process.
func (s *Session) answerQueries() {
	s.screen.Answer(writerFunc(func(p []byte) (int, error) {
		if err := s.write(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}))
}

func (s *Session) resize(cols, rows int) error {
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	s.mu.Unlock()

	s.buf.Resize(cols, rows)
	s.screen.Resize(cols, rows)
	return s.proc.Resize(cols, rows)
}

func (s *Session) enableStreaming() {
	s.mu.Lock()
	already := s.streaming
	s.streaming = true
	s.mu.Unlock()
	if already {
		return
	}
	if st, ok := s.proc.(streamer); ok {
		st.EnableStreaming()
	}
}

// capture returns the last lines of output. A tmux session that nobody
// streams is captured live; everything else reads the buffer.
func (s *Session) capture(lines int) (string, error) {
	s.mu.Lock()
	live := s.state == StateRunning && !s.streaming
	s.mu.Unlock()

	if c, ok := s.proc.(capturer); ok && live {
		return c.Capture(lines)
	}
	return s.buf.Content(lines), nil
}

// finish records the exit once: the manager retires the session first, then
// exit callbacks run.
func (s *Session) finish(code int, now time.Time) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.state = StateExited
		s.exitCode = code
		s.exitedAt = now
		fns := s.exitFns
		s.exitFns = nil
		s.listeners = make(map[int]DataFunc)
		s.mu.Unlock()

		close(s.done)
		if s.retire != nil {
			s.retire(s)
		}
		for _, fn := range fns {
			fn(code)
		}
	})
}

// release frees the emulator once the session is forgotten.
func (s *Session) release() {
	s.screen.Close()
}

// Info is a point-in-time description of a session.
type Info struct {
	Name      string     `json:"name"`
	Backend   string     `json:"backend"`
	PID       int        `json:"pid"`
	Command   string     `json:"command"`
	Args      []string   `json:"args,omitempty"`
	Cwd       string     `json:"cwd"`
	State     State      `json:"state"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	Cols      int        `json:"cols"`
	Rows      int        `json:"rows"`
	Buffered  int        `json:"buffered"`
	Written   int64      `json:"written"`
	CreatedAt time.Time  `json:"created_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		Name:      s.name,
		Backend:   s.backend,
		PID:       s.Pid(),
		Command:   s.opts.Command,
		Args:      s.opts.Args,
		Cwd:       s.opts.Cwd,
		State:     s.state,
		Cols:      s.cols,
		Rows:      s.rows,
		Buffered:  s.buf.Len(),
		Written:   s.buf.Written(),
		CreatedAt: s.createdAt,
	}
	if s.state == StateExited {
		code := s.exitCode
		exitedAt := s.exitedAt
		info.ExitCode = &code
		info.ExitedAt = &exitedAt
	}
	return info
}

func sortInfos(infos []Info) {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
