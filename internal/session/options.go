package session

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

const (
	DefaultCols = 80
	DefaultRows = 24
)

// Options describe how to spawn a session. Command and Args form the argv;
// nothing is passed through a shell.
type Options struct {
	Cwd     string            `json:"cwd"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cols    int               `json:"cols,omitempty"`
	Rows    int               `json:"rows,omitempty"`
}

func (o Options) Validate() error {
	if o.Command == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidOptions)
	}
	if o.Cwd == "" {
		return fmt.Errorf("%w: working directory is required", ErrInvalidOptions)
	}
	info, err := os.Stat(o.Cwd)
	if err != nil {
		return fmt.Errorf("%w: working directory: %v", ErrInvalidOptions, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrInvalidOptions, o.Cwd)
	}
	if o.Cols < 0 || o.Rows < 0 {
		return fmt.Errorf("%w: terminal size cannot be negative", ErrInvalidOptions)
	}
	for k := range o.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("%w: invalid environment variable name %q", ErrInvalidOptions, k)
		}
	}
	return nil
}

func (o Options) withSize(cols, rows int) Options {
	if o.Cols == 0 {
		o.Cols = cols
	}
	if o.Rows == 0 {
		o.Rows = rows
	}
	return o
}

// argv returns Command followed by Args.
func (o Options) argv() []string {
	return append([]string{o.Command}, o.Args...)
}

// environ layers TERM and the overrides on top of base. Later entries win
// for exec, so overrides come last in sorted key order.
func (o Options) environ(base []string) []string {
	env := make([]string, 0, len(base)+len(o.Env)+1)
	env = append(env, base...)
	env = append(env, "TERM=xterm-256color")

	keys := make([]string, 0, len(o.Env))
	for k := range o.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+o.Env[k])
	}
	return env
}
