// Package sandbox runs generated scripts and reports what they printed.
// Backends live in subpackages: remote (HTTP execution service), docker
// (throwaway local containers) and mock (tests).
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable means the script could not be run at all, as opposed to
// running and printing nothing.
var ErrUnavailable = errors.New("sandbox unavailable")

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Outcome is the result of one run.
type Outcome struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Succeeded reports whether the run produced output. Only stdout decides:
// stderr may carry warnings from a script that still worked.
func (o *Outcome) Succeeded() bool {
	return o != nil && strings.TrimSpace(o.Stdout) != ""
}

// ArtifactLocation returns the last non-blank stdout line, which scripts
// use to report where their output went.
func (o *Outcome) ArtifactLocation() string {
	if o == nil {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(o.Stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// FailureReason is the text fed back to the model when a run fails.
func (o *Outcome) FailureReason() string {
	if o == nil {
		return ""
	}
	if s := strings.TrimSpace(o.Stderr); s != "" {
		return s
	}
	if o.ExitCode != 0 {
		return fmt.Sprintf("script exited with code %d and printed nothing", o.ExitCode)
	}
	return "script printed nothing to stdout"
}

// Runner executes a script synchronously.
type Runner interface {
	Run(ctx context.Context, code string) (*Outcome, error)
	Name() string
}
