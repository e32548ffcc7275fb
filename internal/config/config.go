// Package config loads the daemon configuration from a TOML file.
//
// A missing file is not an error: every key has a default. Paths that are
// left empty are derived from the data directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is the only supported config file version.
const Version = 1

// FileName is the config file name inside the data directory.
const FileName = "config.toml"

// ErrInvalid marks configuration errors: malformed files, unknown versions,
// bad units. These are never retried.
var ErrInvalid = errors.New("invalid configuration")

const (
	BackendPTY  = "pty"
	BackendTmux = "tmux"
)

// DefaultContinuation is appended to scheduled messages so an agent that was
// interrupted mid-task picks its work back up after handling the message.
const DefaultContinuation = "\n\nAfter handling this message, continue with whatever you were working on before it arrived."

type Config struct {
	Version     int               `toml:"version"`
	Daemon      DaemonConfig      `toml:"daemon"`
	Sessions    SessionsConfig    `toml:"sessions"`
	Tmux        TmuxConfig        `toml:"tmux"`
	Persistence PersistenceConfig `toml:"persistence"`
	Scheduler   SchedulerConfig   `toml:"scheduler"`
}

type DaemonConfig struct {
	DataDir   string `toml:"data_dir"`
	Socket    string `toml:"socket"`
	Listen    string `toml:"listen"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

type SessionsConfig struct {
	Backend    string   `toml:"backend"`
	MaxOutput  Size     `toml:"max_output"`
	StoppedTTL Duration `toml:"stopped_ttl"`
	NamePrefix string   `toml:"name_prefix"`
	Cols       int      `toml:"cols"`
	Rows       int      `toml:"rows"`
}

type TmuxConfig struct {
	Socket        string   `toml:"socket"`
	PollInterval  Duration `toml:"poll_interval"`
	ReadyAttempts int      `toml:"ready_attempts"`
}

type PersistenceConfig struct {
	StateFile        string              `toml:"state_file"`
	AutosaveInterval Duration            `toml:"autosave_interval"`
	Resume           map[string][]string `toml:"resume"`
}

type SchedulerConfig struct {
	Database            string            `toml:"database"`
	DeliveryPause       Duration          `toml:"delivery_pause"`
	Continuation        string            `toml:"continuation"`
	DisableContinuation bool              `toml:"disable_continuation"`
	Orchestrator        string            `toml:"orchestrator"`
	Aliases             map[string]string `toml:"aliases"`
}

// DefaultDataDir returns ~/.shellcrew.
func DefaultDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".shellcrew"
	}
	return filepath.Join(homeDir, ".shellcrew")
}

// Default returns a configuration with every default filled in.
func Default(dataDir string) *Config {
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	cfg := &Config{
		Version: Version,
		Daemon: DaemonConfig{
			DataDir:   dataDir,
			Listen:    "127.0.0.1:7681",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Sessions: SessionsConfig{
			Backend:    BackendPTY,
			MaxOutput:  10 * MB,
			StoppedTTL: Duration(time.Hour),
			Cols:       80,
			Rows:       24,
		},
		Tmux: TmuxConfig{
			PollInterval:  Duration(time.Second),
			ReadyAttempts: 20,
		},
		Persistence: PersistenceConfig{
			AutosaveInterval: Duration(time.Minute),
			Resume: map[string][]string{
				"claude-code": {"--continue"},
				"codex":       {"resume", "--last"},
			},
		},
		Scheduler: SchedulerConfig{
			DeliveryPause: Duration(time.Second),
			Continuation:  DefaultContinuation,
			Orchestrator:  "orchestrator",
		},
	}
	cfg.fillPaths()
	return cfg
}

// Load reads <dataDir>/config.toml on top of the defaults.
func Load(dataDir string) (*Config, error) {
	cfg := Default(dataDir)
	return cfg, cfg.merge(filepath.Join(cfg.Daemon.DataDir, FileName))
}

// LoadFile reads an explicit config file on top of the defaults. The data
// directory comes from the file when set there.
func LoadFile(path string) (*Config, error) {
	cfg := Default("")
	return cfg, cfg.merge(path)
}

func (c *Config) merge(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}

	// Derived paths are recomputed after decoding so that a data_dir set in
	// the file moves them too.
	dataDir := c.Daemon.DataDir
	c.Daemon.DataDir = ""
	c.Daemon.Socket = ""
	c.Tmux.Socket = ""
	c.Persistence.StateFile = ""
	c.Scheduler.Database = ""
	c.Version = 0
	if _, err := toml.Decode(string(data), c); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrInvalid, path, err)
	}
	if c.Daemon.DataDir == "" {
		c.Daemon.DataDir = dataDir
	}
	c.Daemon.DataDir = ExpandHome(c.Daemon.DataDir)
	c.fillPaths()

	return c.Validate()
}

func (c *Config) fillPaths() {
	dir := c.Daemon.DataDir
	if c.Daemon.Socket == "" {
		c.Daemon.Socket = filepath.Join(dir, "shellcrew.sock")
	}
	if c.Tmux.Socket == "" {
		c.Tmux.Socket = filepath.Join(dir, "tmux.sock")
	}
	if c.Persistence.StateFile == "" {
		c.Persistence.StateFile = filepath.Join(dir, "session-state.json")
	}
	if c.Scheduler.Database == "" {
		c.Scheduler.Database = filepath.Join(dir, "shellcrew.db")
	}
}

// Validate checks version and enumerated values.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return fmt.Errorf("%w: config version missing (expected %d)", ErrInvalid, Version)
	}
	if c.Version != Version {
		return fmt.Errorf("%w: unsupported config version %d (expected %d)", ErrInvalid, c.Version, Version)
	}
	switch c.Sessions.Backend {
	case BackendPTY, BackendTmux:
	default:
		return fmt.Errorf("%w: unknown session backend %q", ErrInvalid, c.Sessions.Backend)
	}
	switch strings.ToLower(c.Daemon.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Daemon.LogFormat)
	}
	if c.Sessions.MaxOutput <= 0 {
		return fmt.Errorf("%w: sessions.max_output must be positive", ErrInvalid)
	}
	if c.Sessions.Cols <= 0 || c.Sessions.Rows <= 0 {
		return fmt.Errorf("%w: sessions.cols and sessions.rows must be positive", ErrInvalid)
	}
	if c.Tmux.PollInterval <= 0 {
		return fmt.Errorf("%w: tmux.poll_interval must be positive", ErrInvalid)
	}
	if c.Tmux.ReadyAttempts <= 0 {
		return fmt.Errorf("%w: tmux.ready_attempts must be positive", ErrInvalid)
	}
	if c.Scheduler.DeliveryPause < 0 {
		return fmt.Errorf("%w: scheduler.delivery_pause cannot be negative", ErrInvalid)
	}
	return nil
}

// ContinuationText returns the nudge appended to scheduled messages, or ""
// when disabled.
func (c *Config) ContinuationText() string {
	if c.Scheduler.DisableContinuation {
		return ""
	}
	return c.Scheduler.Continuation
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}
