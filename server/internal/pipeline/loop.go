package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/obot-platform/scriptsmith/server/internal/generator"
	"github.com/obot-platform/scriptsmith/server/internal/llm"
	"github.com/obot-platform/scriptsmith/server/internal/sandbox"
)

// MaxRepairs is the number of repair attempts after the first one. An
// episode makes at most MaxRepairs+1 generation calls.
const MaxRepairs = 10

// State is where an episode ended.
type State string

const (
	StateCached    State = "cached"
	StateSucceeded State = "succeeded"
	StateExhausted State = "exhausted"
	StateFailed    State = "failed"
)

// Generator is the part of the code generator the loop needs.
type Generator interface {
	Generate(ctx context.Context, conv llm.Conversation) (*generator.Artifact, error)
	PlanScene(ctx context.Context, topic, language string) (string, error)
	Summarize(ctx context.Context, conv llm.Conversation, finalCode string) (string, error)
}

// attemptHooks lets the owner of a loop observe each step.
type attemptHooks struct {
	progress func(format string, args ...any)
	code     func(attempt int, code string)
	failed   func(attempt int, reason string)
	attempts func(n int)
}

// repairLoop is the generate, run, repair state machine for one episode.
// It holds the conversation and the last failure as explicit state; each
// iteration of run is one attempt.
type repairLoop struct {
	gen    Generator
	runner sandbox.Runner
	hooks  attemptHooks

	conv     llm.Conversation
	attempt  int // 0 is the first attempt, 1..MaxRepairs are repairs
	calls    int // generation calls made
	lastCode string
	last     *sandbox.Outcome
}

// loopResult is what the loop hands back to the episode.
type loopResult struct {
	state    State
	code     string
	outcome  *sandbox.Outcome
	calls    int
	repaired bool
	// failedConv is the conversation up to, but not including, the
	// successful attempt's code.
	failedConv llm.Conversation
	err        error
}

func newRepairLoop(gen Generator, runner sandbox.Runner, base llm.Conversation, hooks attemptHooks) *repairLoop {
	return &repairLoop{gen: gen, runner: runner, hooks: hooks, conv: base.Clone()}
}

func (l *repairLoop) run(ctx context.Context) loopResult {
	for ; l.attempt <= MaxRepairs; l.attempt++ {
		if l.attempt > 0 {
			l.conv = l.conv.
				Append(llm.RoleModel, l.lastCode).
				Append(llm.RoleUser, "fix this error: "+l.last.FailureReason())
		}

		art, err := l.generate(ctx)
		if err != nil {
			return loopResult{state: StateFailed, calls: l.calls, outcome: l.last, err: err}
		}
		l.lastCode = art.Code
		l.hooks.code(l.attempt, art.Code)

		l.hooks.progress("start run code %d", l.attempt)
		out, err := l.runner.Run(ctx, art.Code)
		l.hooks.progress("run finished %d", l.attempt)
		if err != nil {
			if !errors.Is(err, sandbox.ErrUnavailable) && ctx.Err() == nil {
				err = sandbox.Unavailable(err)
			}
			return loopResult{state: StateFailed, calls: l.calls, code: art.Code, outcome: l.last, err: err}
		}
		l.last = out

		if out.Succeeded() {
			return loopResult{
				state:      StateSucceeded,
				code:       art.Code,
				outcome:    out,
				calls:      l.calls,
				repaired:   l.attempt > 0,
				failedConv: l.conv.Clone(),
			}
		}
		l.hooks.failed(l.attempt, out.FailureReason())
	}

	return loopResult{state: StateExhausted, code: l.lastCode, outcome: l.last, calls: l.calls}
}

func (l *repairLoop) generate(ctx context.Context) (*generator.Artifact, error) {
	if l.attempt == 0 {
		l.hooks.progress("start gen code")
	} else {
		l.hooks.progress("start fix code %d", l.attempt)
	}

	l.calls++
	l.hooks.attempts(l.calls)
	art, err := l.gen.Generate(ctx, l.conv)
	if err != nil {
		return nil, fmt.Errorf("attempt %d: %w", l.attempt, err)
	}

	if l.attempt == 0 {
		l.hooks.progress("finish gen code")
	} else {
		l.hooks.progress("finish fix code %d", l.attempt)
	}
	return art, nil
}
