// Package mock provides a scripted sandbox.Runner for testing.
package mock

import (
	"context"
	"sync"

	"github.com/obot-platform/scriptsmith/server/internal/sandbox"
)

// Result is one scripted response.
type Result struct {
	Outcome *sandbox.Outcome
	Err     error
}

// Runner returns scripted results in order and records every script it is
// given. Once the script list is exhausted the last result repeats; with no
// results at all every run fails with empty stdout.
type Runner struct {
	mu      sync.Mutex
	results []Result
	calls   []string

	// RunFunc, when set, replaces the scripted results.
	RunFunc func(ctx context.Context, code string) (*sandbox.Outcome, error)
}

// NewRunner creates a runner with the given scripted results.
func NewRunner(results ...Result) *Runner {
	return &Runner{results: results}
}

// Succeed returns a Result whose stdout is location.
func Succeed(location string) Result {
	return Result{Outcome: &sandbox.Outcome{Stdout: location + "\n"}}
}

// Fail returns a Result with only stderr.
func Fail(stderr string) Result {
	return Result{Outcome: &sandbox.Outcome{Stderr: stderr, ExitCode: 1}}
}

// Unavailable returns a Result whose error wraps sandbox.ErrUnavailable.
func Unavailable(err error) Result {
	return Result{Err: sandbox.Unavailable(err)}
}

// Name identifies the backend.
func (r *Runner) Name() string {
	return "mock"
}

// Run records code and returns the next scripted result.
func (r *Runner) Run(ctx context.Context, code string) (*sandbox.Outcome, error) {
	r.mu.Lock()
	n := len(r.calls)
	r.calls = append(r.calls, code)
	fn := r.RunFunc
	var res Result
	switch {
	case len(r.results) == 0:
		res = Fail("")
	case n < len(r.results):
		res = r.results[n]
	default:
		res = r.results[len(r.results)-1]
	}
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, code)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	out := *res.Outcome
	return &out, nil
}

// Calls returns a copy of every script passed to Run, in order.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// CallCount returns how many times Run was called.
func (r *Runner) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
