// Package wait polls a session's output until a pattern appears or the
// output goes quiet.
package wait

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/schovi/shellcrew/internal/clock"
)

const DefaultPollInterval = 50 * time.Millisecond

// ErrTimeout is returned, together with whatever output arrived, when
// neither condition is met in time.
var ErrTimeout = errors.New("timeout")

// ReadFunc returns output produced since the previous call.
type ReadFunc func(ctx context.Context) (string, error)

type Config struct {
	// Pattern ends the wait as soon as the accumulated output matches.
	Pattern string
	// Settle ends the wait once some output arrived and nothing new came
	// for this long.
	Settle       time.Duration
	Timeout      time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
}

// ForOutput calls read until cfg is satisfied and returns everything read.
// With neither Pattern nor Settle set it waits for the first output.
func ForOutput(ctx context.Context, read ReadFunc, cfg Config) (string, error) {
	var re *regexp.Regexp
	if cfg.Pattern != "" {
		var err error
		re, err = regexp.Compile(cfg.Pattern)
		if err != nil {
			return "", fmt.Errorf("invalid pattern: %w", err)
		}
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	var deadline <-chan time.Time
	if cfg.Timeout > 0 {
		deadline = clk.After(cfg.Timeout)
	}

	var (
		output     []byte
		lastChange time.Time
	)
	for {
		chunk, err := read(ctx)
		if err != nil {
			return string(output), err
		}
		if chunk != "" {
			output = append(output, chunk...)
			lastChange = clk.Now()
		}

		switch {
		case re != nil:
			if re.Match(output) {
				return string(output), nil
			}
		case cfg.Settle > 0:
			if len(output) > 0 && clk.Now().Sub(lastChange) >= cfg.Settle {
				return string(output), nil
			}
		default:
			if len(output) > 0 {
				return string(output), nil
			}
		}

		select {
		case <-ctx.Done():
			return string(output), ctx.Err()
		case <-deadline:
			if re != nil {
				return string(output), fmt.Errorf("%w waiting for pattern %q", ErrTimeout, cfg.Pattern)
			}
			return string(output), fmt.Errorf("%w waiting for output to settle", ErrTimeout)
		case <-clk.After(pollInterval):
		}
	}
}
