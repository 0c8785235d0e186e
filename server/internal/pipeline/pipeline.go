// Package pipeline runs episodes: one request taken from cache lookup
// through generation, execution and repair to a cached result.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/semaphore"

	"github.com/obot-platform/scriptsmith/server/internal/cache"
	"github.com/obot-platform/scriptsmith/server/internal/contentkey"
	"github.com/obot-platform/scriptsmith/server/internal/events"
	"github.com/obot-platform/scriptsmith/server/internal/flight"
	"github.com/obot-platform/scriptsmith/server/internal/llm"
	"github.com/obot-platform/scriptsmith/server/internal/logger"
	"github.com/obot-platform/scriptsmith/server/internal/model"
	"github.com/obot-platform/scriptsmith/server/internal/sandbox"
	"github.com/obot-platform/scriptsmith/server/internal/store"
)

// DefaultLanguage is used when a request does not name one.
const DefaultLanguage = "english"

var (
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("pipeline is shutting down")
)

// Request is one accepted ask for a script.
type Request struct {
	Topic       string            `json:"topic" validate:"required,max=4000"`
	Language    string            `json:"language" validate:"omitempty,max=64"`
	RequesterID string            `json:"requesterId" validate:"omitempty,max=128"`
	Options     map[string]string `json:"options,omitempty" validate:"omitempty,max=16,dive,keys,max=64,endkeys,max=512"`
}

// Result is how an episode ended. Exhausted is not an error: Err is nil and
// LastOutcome holds the failing run.
type Result struct {
	EpisodeID        string
	Key              contentkey.Key
	State            State
	ArtifactLocation string
	Code             string
	Attempts         int // generation calls
	LastOutcome      *sandbox.Outcome
	Err              error
}

// Options configure a Service.
type Options struct {
	ScenePlanning bool
	Lessons       bool
	// ScriptDir receives every generated script; empty disables archiving.
	ScriptDir string
	// MaxConcurrent caps episodes doing generation work; 0 means no cap.
	MaxConcurrent int64
	// StreamBuffer is the channel buffer of streams created by Start.
	StreamBuffer int
}

// Service owns the shared pieces every episode uses.
type Service struct {
	cache  *cache.Cache
	store  *store.Store
	guard  *flight.Group
	gen    Generator
	runner sandbox.Runner
	opts   Options
	log    *logger.Logger

	validate *validator.Validate
	sem      *semaphore.Weighted

	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closed   atomic.Bool
	inFlight atomic.Int64
}

// New creates a Service.
func New(c *cache.Cache, s *store.Store, gen Generator, runner sandbox.Runner, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 64
	}
	svc := &Service{
		cache:    c,
		store:    s,
		guard:    &flight.Group{},
		gen:      gen,
		runner:   runner,
		opts:     opts,
		log:      log.Named("pipeline"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if opts.MaxConcurrent > 0 {
		svc.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	svc.baseCtx, svc.cancel = context.WithCancel(context.Background())
	return svc
}

// InFlight returns the number of episodes currently running.
func (s *Service) InFlight() int64 {
	return s.inFlight.Load()
}

// ActiveKeys returns the number of content keys being generated or waited on.
func (s *Service) ActiveKeys() int {
	return s.guard.Len()
}

// Validate normalizes req in place and checks it.
func (s *Service) Validate(req *Request) error {
	req.Topic = strings.TrimSpace(req.Topic)
	req.Language = strings.TrimSpace(req.Language)
	if req.Language == "" {
		req.Language = DefaultLanguage
	}
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// Start validates req and runs its episode on a new goroutine, returning the
// stream the episode writes to. The episode is not tied to the caller: it
// keeps running if the consumer goes away and is only cancelled by Shutdown.
func (s *Service) Start(req Request) (*events.Stream, error) {
	if s.closed.Load() {
		return nil, ErrShuttingDown
	}
	if err := s.Validate(&req); err != nil {
		return nil, err
	}

	stream := s.NewStream()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(s.baseCtx, req, stream)
	}()
	return stream, nil
}

// NewStream creates a stream that persists its events to the store.
func (s *Service) NewStream() *events.Stream {
	return events.NewStream(s.opts.StreamBuffer,
		events.WithSink(events.StoreSink{Store: s.store}),
		events.WithLogger(s.log))
}

// Shutdown cancels running episodes and waits for them to finish.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes one episode synchronously and closes stream when done.
// Failures never escape: they end up in Result.Err and as an error event.
func (s *Service) Run(ctx context.Context, req Request, stream *events.Stream) (res Result) {
	defer stream.Close()

	if err := s.Validate(&req); err != nil {
		_ = stream.Error(ctx, err.Error())
		return Result{State: StateFailed, Err: err}
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	ep := &episode{
		svc:    s,
		req:    req,
		key:    contentkey.Derive(req.Topic, req.Language),
		stream: stream,
		log:    s.log.With("topic", req.Topic, "language", req.Language),
	}

	defer func() {
		if r := recover(); r != nil {
			ep.log.Error("episode panicked", "panic", r)
			res = ep.finish(ctx, Result{State: StateFailed, Err: fmt.Errorf("internal error: %v", r)})
		}
	}()

	return ep.run(ctx)
}

// episode is the per-request state threaded through Run.
type episode struct {
	svc    *Service
	req    Request
	key    contentkey.Key
	id     string
	stream *events.Stream
	log    *logger.Logger
	start  time.Time
}

func (e *episode) run(ctx context.Context) Result {
	e.start = time.Now()
	e.open(ctx)

	if res, hit := e.lookup(ctx); hit {
		return e.finish(ctx, res)
	}

	release, err := e.svc.guard.Acquire(ctx, e.key)
	if err != nil {
		return e.finish(ctx, Result{State: StateFailed, Err: err})
	}
	defer release()

	// Whoever held the key before us may have filled the cache.
	if res, hit := e.lookup(ctx); hit {
		release()
		return e.finish(ctx, res)
	}

	// Take a slot only once this episode will generate; waiters on a busy key
	// hold none.
	releaseSlot := func() {}
	if sem := e.svc.sem; sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			release()
			return e.finish(ctx, Result{State: StateFailed, Err: err})
		}
		var once sync.Once
		releaseSlot = func() { once.Do(func() { sem.Release(1) }) }
		defer releaseSlot()
	}

	base := llm.Conversation{{Role: llm.RoleUser, Text: e.firstMessage(ctx)}}
	loop := newRepairLoop(e.svc.gen, e.svc.runner, base, attemptHooks{
		progress: func(format string, args ...any) { _ = e.stream.Progress(ctx, format, args...) },
		code: func(attempt int, code string) {
			e.archive(attempt, code)
			_ = e.stream.Code(ctx, code)
		},
		failed: func(attempt int, reason string) {
			e.log.Debug("attempt failed", "attempt", attempt, "reason", reason)
			_ = e.stream.Error(ctx, fmt.Sprintf("attempt %d produced no output: %s", attempt, reason))
		},
		attempts: func(n int) {
			if e.id == "" {
				return
			}
			if err := e.svc.store.UpdateEpisodeAttempts(context.WithoutCancel(ctx), e.id, n); err != nil {
				e.log.Warn("failed to record attempts", "error", err)
			}
		},
	})
	lr := loop.run(ctx)

	res := Result{
		Key:         e.key,
		State:       lr.state,
		Code:        lr.code,
		Attempts:    lr.calls,
		LastOutcome: lr.outcome,
		Err:         lr.err,
	}

	if lr.state == StateSucceeded {
		res.ArtifactLocation = lr.outcome.ArtifactLocation()
		e.store(ctx, res)
		if lr.repaired && e.svc.opts.Lessons {
			e.learn(ctx, lr.failedConv, lr.code)
		}
	}
	releaseSlot()
	release()
	return e.finish(ctx, res)
}

// open creates the episode row and binds the stream to it. Persistence
// problems are logged; the episode runs without a row.
func (e *episode) open(ctx context.Context) {
	opts, _ := json.Marshal(e.req.Options)
	row := &model.Episode{
		Key:         e.key.String(),
		Topic:       e.req.Topic,
		Language:    e.req.Language,
		RequesterID: e.req.RequesterID,
		Options:     string(opts),
		State:       model.EpisodeStateRunning,
	}
	if err := e.svc.store.CreateEpisode(ctx, row); err != nil {
		e.log.Warn("failed to create episode", "error", err)
		return
	}
	e.id = row.ID
	e.log = e.log.With("episode", e.id)
	e.stream.SetEpisode(e.id)
}

func (e *episode) lookup(ctx context.Context) (Result, bool) {
	rec, err := e.svc.cache.Get(ctx, e.key)
	if err != nil {
		e.log.Warn("cache lookup failed", "error", err)
		return Result{}, false
	}
	if rec == nil {
		return Result{}, false
	}
	return Result{
		Key:              e.key,
		State:            StateCached,
		ArtifactLocation: rec.ArtifactLocation,
		Code:             rec.Code,
	}, true
}

func (e *episode) firstMessage(ctx context.Context) string {
	msg := fmt.Sprintf("%s\n\nLanguage: %s", e.req.Topic, e.req.Language)
	if !e.svc.opts.ScenePlanning {
		return msg
	}
	_ = e.stream.Progress(ctx, "start plan scene")
	scene, err := e.svc.gen.PlanScene(ctx, e.req.Topic, e.req.Language)
	if err != nil || scene == "" {
		e.log.Warn("scene planning failed, using topic", "error", err)
		return msg
	}
	_ = e.stream.Progress(ctx, "finish plan scene")
	return scene
}

func (e *episode) store(ctx context.Context, res Result) {
	err := e.svc.cache.Store(context.WithoutCancel(ctx), cache.Record{
		Key:              e.key,
		ArtifactLocation: res.ArtifactLocation,
		Language:         e.req.Language,
		Topic:            e.req.Topic,
		Code:             res.Code,
		Attempts:         res.Attempts,
		EpisodeID:        e.id,
	})
	if err != nil {
		e.log.Error("failed to cache result", "error", err)
	}
}

func (e *episode) learn(ctx context.Context, conv llm.Conversation, finalCode string) {
	lesson, err := e.svc.gen.Summarize(ctx, conv, finalCode)
	if err != nil {
		e.log.Warn("failed to summarize lesson", "error", err)
		return
	}
	promptContext, _ := json.Marshal(map[string]string{"topic": e.req.Topic, "language": e.req.Language})
	if err := e.svc.cache.AppendLesson(context.WithoutCancel(ctx), string(promptContext), lesson, e.id); err != nil {
		e.log.Warn("failed to append lesson", "error", err)
		return
	}
	e.log.Info("lesson recorded", "lessons", len(e.svc.cache.CurrentLessons()))
}

func (e *episode) archive(attempt int, code string) {
	dir := e.svc.opts.ScriptDir
	if dir == "" {
		return
	}
	name := e.id
	if name == "" {
		name = e.key.String()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.log.Warn("failed to create script dir", "dir", dir, "error", err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.py", name, attempt))
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		e.log.Warn("failed to archive script", "path", path, "error", err)
	}
}

// finish emits the terminal event and records the final state.
func (e *episode) finish(ctx context.Context, res Result) Result {
	res.EpisodeID = e.id
	res.Key = e.key

	var errMsg *string
	switch res.State {
	case StateCached, StateSucceeded:
		_ = e.stream.Result(ctx, res.ArtifactLocation)
	case StateExhausted:
		msg := fmt.Sprintf("no working script after %d attempts", res.Attempts)
		if res.LastOutcome != nil {
			msg += ": " + res.LastOutcome.FailureReason()
		}
		errMsg = &msg
		_ = e.stream.Error(ctx, msg)
	default:
		msg := "episode failed"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		errMsg = &msg
		_ = e.stream.Error(ctx, msg)
	}

	if e.id != "" {
		err := e.svc.store.FinishEpisode(context.WithoutCancel(ctx), e.id, string(res.State), res.Attempts, res.ArtifactLocation, errMsg)
		if err != nil {
			e.log.Warn("failed to finish episode", "error", err)
		}
	}

	e.log.Info("episode finished",
		"state", string(res.State),
		"attempts", res.Attempts,
		"duration", time.Since(e.start).String())
	return res
}
