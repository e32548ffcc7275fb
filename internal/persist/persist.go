// Package persist snapshots supervised sessions to a JSON state file and
// recreates them after a restart.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/schovi/shellcrew/internal/clock"
	"github.com/schovi/shellcrew/internal/config"
	"github.com/schovi/shellcrew/internal/session"
)

// FormatVersion is the state file version written and accepted.
const FormatVersion = 1

// Runtime tags a session with what kind of agent runs in it.
type Runtime struct {
	Type   string `json:"runtimeType"`
	Role   string `json:"role"`
	TeamID string `json:"teamId"`
}

// Record is everything needed to recreate one session.
type Record struct {
	Name        string   `json:"name"`
	Cwd         string   `json:"cwd"`
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	RuntimeType string   `json:"runtimeType"`
	Role        string   `json:"role"`
	TeamID      string   `json:"teamId"`
}

type File struct {
	Version  int       `json:"version"`
	SavedAt  time.Time `json:"savedAt"`
	Sessions []Record  `json:"sessions"`
}

// Backend is the part of a session backend persistence needs.
type Backend interface {
	ListSessions() []string
	CreateSession(name string, opts session.Options) (*session.Session, error)
}

type entry struct {
	opts    session.Options
	runtime Runtime
}

// Store tracks the sessions that should survive a restart and reads and
// writes the state file.
type Store struct {
	path   string
	prefix string
	resume map[string][]string
	logger *slog.Logger
	clock  clock.Clock

	mu       sync.Mutex
	registry map[string]entry
}

type Option func(*Store)

// WithNamePrefix limits saves to sessions whose names start with prefix.
func WithNamePrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithResumeArgs sets the arguments appended on restore per runtime type.
func WithResumeArgs(resume map[string][]string) Option {
	return func(s *Store) {
		s.resume = resume
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

func New(path string, opts ...Option) *Store {
	s := &Store{
		path:     path,
		logger:   slog.New(slog.DiscardHandler),
		clock:    clock.Real(),
		registry: make(map[string]entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Path() string { return s.path }

// Register marks a session as one to persist. opts must be the spawn
// options without resume arguments.
func (s *Store) Register(name string, opts session.Options, rt Runtime) {
	s.mu.Lock()
	s.registry[name] = entry{opts: opts, runtime: rt}
	s.mu.Unlock()
}

func (s *Store) Unregister(name string) {
	s.mu.Lock()
	delete(s.registry, name)
	s.mu.Unlock()
}

// Runtime returns the registration of name.
func (s *Store) Runtime(name string) (Runtime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.registry[name]
	return e.runtime, ok
}

// SessionForTeam returns the registered session owned by teamID. When a
// team owns several, the first by name wins.
func (s *Store) SessionForTeam(teamID string) (string, bool) {
	if teamID == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var found []string
	for name, e := range s.registry {
		if e.runtime.TeamID == teamID {
			found = append(found, name)
		}
	}
	if len(found) == 0 {
		return "", false
	}
	sort.Strings(found)
	return found[0], true
}

// Save writes the registered sessions that are live in b, replacing the
// previous file atomically. It returns the number of sessions written.
func (s *Store) Save(b Backend) (int, error) {
	live := b.ListSessions()

	s.mu.Lock()
	records := make([]Record, 0, len(live))
	for _, name := range live {
		e, ok := s.registry[name]
		if !ok || !strings.HasPrefix(name, s.prefix) {
			continue
		}
		args := e.opts.Args
		if args == nil {
			args = []string{}
		}
		records = append(records, Record{
			Name:        name,
			Cwd:         e.opts.Cwd,
			Command:     e.opts.Command,
			Args:        args,
			RuntimeType: e.runtime.Type,
			Role:        e.runtime.Role,
			TeamID:      e.runtime.TeamID,
		})
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })

	file := File{
		Version:  FormatVersion,
		SavedAt:  s.clock.Now().UTC(),
		Sessions: records,
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encoding state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return 0, fmt.Errorf("creating state directory: %w", err)
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return 0, fmt.Errorf("acquiring state lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	if err := writeAtomic(s.path, data); err != nil {
		return 0, err
	}

	s.logger.Info("session state saved", "path", s.path, "sessions", len(records))
	return len(records), nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replacing state file: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Load reads the state file. A missing file yields nil and no error; an
// unknown version is a config.ErrInvalid.
func (s *Store) Load() (*File, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: parsing state file %s: %v", config.ErrInvalid, s.path, err)
	}
	if file.Version != FormatVersion {
		return nil, fmt.Errorf("%w: state file %s has version %d (expected %d)",
			config.ErrInvalid, s.path, file.Version, FormatVersion)
	}
	return &file, nil
}

// RestoreResult lists what happened to each record.
type RestoreResult struct {
	Restored []string
	Skipped  []string
	Failed   map[string]error
}

// Err joins the per-record failures.
func (r RestoreResult) Err() error {
	names := make([]string, 0, len(r.Failed))
	for name := range r.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%s: %w", name, r.Failed[name]))
	}
	return errors.Join(errs...)
}

// Restore recreates every session in the state file. Records whose working
// directory is gone are skipped, and a failing record never stops the rest.
// The returned error is only for the file as a whole.
func (s *Store) Restore(ctx context.Context, b Backend) (RestoreResult, error) {
	result := RestoreResult{Failed: make(map[string]error)}

	file, err := s.Load()
	if err != nil {
		return result, err
	}
	if file == nil {
		return result, nil
	}

	for _, rec := range file.Sessions {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if info, err := os.Stat(rec.Cwd); err != nil || !info.IsDir() {
			s.logger.Warn("skipping restore, working directory missing", "session", rec.Name, "cwd", rec.Cwd)
			result.Skipped = append(result.Skipped, rec.Name)
			continue
		}

		original := session.Options{Cwd: rec.Cwd, Command: rec.Command, Args: rec.Args}
		spawn := original
		spawn.Args = s.ResumeArgs(rec.RuntimeType, rec.Args)

		if _, err := b.CreateSession(rec.Name, spawn); err != nil {
			s.logger.Error("restore failed", "session", rec.Name, "error", err)
			result.Failed[rec.Name] = err
			continue
		}

		s.Register(rec.Name, original, Runtime{Type: rec.RuntimeType, Role: rec.Role, TeamID: rec.TeamID})
		result.Restored = append(result.Restored, rec.Name)
		s.logger.Info("session restored", "session", rec.Name, "runtime", rec.RuntimeType)
	}
	return result, nil
}

// ResumeArgs returns args with the runtime's resume arguments appended,
// unless args already contain them.
func (s *Store) ResumeArgs(runtimeType string, args []string) []string {
	extra := s.resume[runtimeType]
	out := slices.Clone(args)
	if len(extra) == 0 || containsRun(args, extra) {
		return out
	}
	return append(out, extra...)
}

func containsRun(args, run []string) bool {
	for i := 0; i+len(run) <= len(args); i++ {
		if slices.Equal(args[i:i+len(run)], run) {
			return true
		}
	}
	return false
}

// Run saves every interval until ctx is done.
func (s *Store) Run(ctx context.Context, b Backend, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := s.Save(b); err != nil {
				s.logger.Error("autosave failed", "error", err)
			}
		}
	}
}
