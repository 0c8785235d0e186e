// Package events implements the progress stream of an episode: the event
// types sent to clients, a close-once Stream the episode writes to, and a
// Poller that replays persisted events for late readers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/obot-platform/scriptsmith/server/internal/logger"
	"github.com/obot-platform/scriptsmith/server/internal/model"
	"github.com/obot-platform/scriptsmith/server/internal/store"
)

// EventType is the SSE event name.
type EventType string

const (
	// EventTypeProgress marks a phase of the episode ("start run code 2").
	EventTypeProgress EventType = "progress"
	// EventTypeCode carries the script about to be executed.
	EventTypeCode EventType = "python_code"
	// EventTypeError reports a failed attempt or the end of an episode without a result.
	EventTypeError EventType = "error"
	// EventTypeResult carries the artifact location. Terminal.
	EventTypeResult EventType = "main"
)

// ErrClosed is returned by Emit after the stream has been closed.
var ErrClosed = errors.New("event stream closed")

// Event is one progress event.
type Event struct {
	Seq       int64           `json:"seq,omitempty"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// FromModel converts a persisted model.EpisodeEvent to an Event.
func FromModel(e *model.EpisodeEvent) *Event {
	return &Event{
		Seq:       e.Seq,
		Type:      EventType(e.Type),
		Timestamp: e.CreatedAt,
		Data:      e.Data,
	}
}

// ProgressData is the payload for progress events.
type ProgressData struct {
	Info string `json:"info"`
}

// CodeData is the payload for python_code events.
type CodeData struct {
	PythonCode string `json:"python_code"`
}

// ErrorData is the payload for error events.
type ErrorData struct {
	Error string `json:"error"`
}

// ResultData is the payload for the result event.
type ResultData struct {
	URL string `json:"url"`
}

// Sink persists events as they are emitted.
type Sink interface {
	Persist(ctx context.Context, episodeID string, event *Event) error
}

// StoreSink writes events to the episode_events table.
type StoreSink struct {
	Store *store.Store
}

// Persist implements Sink and sets event.Seq to the stored sequence number.
func (s StoreSink) Persist(ctx context.Context, episodeID string, event *Event) error {
	row := &model.EpisodeEvent{
		EpisodeID: episodeID,
		Type:      string(event.Type),
		Data:      event.Data,
	}
	if err := s.Store.CreateEpisodeEvent(ctx, row); err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}
	event.Seq = row.Seq
	return nil
}

// Stream carries the events of one request to its consumer. It has a single
// producer (the episode) and a single consumer (the HTTP response or bot
// message). The producer must call Close exactly once it is done; extra calls
// are no-ops. A consumer that goes away calls Detach, after which Emit stops
// blocking and events are only persisted.
type Stream struct {
	events chan *Event

	mu         sync.Mutex
	closed     bool
	closedFlag atomic.Bool

	detached   chan struct{}
	detachOnce sync.Once

	episodeID string
	sink      Sink
	log       *logger.Logger
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithSink persists every event before it is delivered.
func WithSink(sink Sink) StreamOption {
	return func(s *Stream) { s.sink = sink }
}

// WithLogger sets the logger used for persistence failures.
func WithLogger(log *logger.Logger) StreamOption {
	return func(s *Stream) { s.log = log }
}

// NewStream creates a stream with the given channel buffer.
func NewStream(buffer int, opts ...StreamOption) *Stream {
	s := &Stream{
		events:   make(chan *Event, buffer),
		detached: make(chan struct{}),
		log:      logger.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events returns the channel the consumer reads. It is closed by Close.
func (s *Stream) Events() <-chan *Event {
	return s.events
}

// SetEpisode binds persisted events to an episode. Events emitted before
// the episode is known are delivered but not persisted.
func (s *Stream) SetEpisode(id string) {
	s.mu.Lock()
	s.episodeID = id
	s.mu.Unlock()
}

// Emit marshals payload and delivers it. It blocks while the buffer is full
// unless the consumer has detached.
func (s *Stream) Emit(ctx context.Context, typ EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	ev := &Event{Type: typ, Timestamp: time.Now(), Data: data}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if s.sink != nil && s.episodeID != "" {
		if err := s.sink.Persist(ctx, s.episodeID, ev); err != nil {
			s.log.Warn("failed to persist event", "episode", s.episodeID, "type", string(typ), "error", err)
		}
	}

	select {
	case s.events <- ev:
	case <-s.detached:
	}
	return nil
}

// Progress emits a progress event.
func (s *Stream) Progress(ctx context.Context, format string, args ...any) error {
	return s.Emit(ctx, EventTypeProgress, ProgressData{Info: fmt.Sprintf(format, args...)})
}

// Code emits a python_code event.
func (s *Stream) Code(ctx context.Context, code string) error {
	return s.Emit(ctx, EventTypeCode, CodeData{PythonCode: code})
}

// Error emits an error event.
func (s *Stream) Error(ctx context.Context, msg string) error {
	return s.Emit(ctx, EventTypeError, ErrorData{Error: msg})
}

// Result emits the result event.
func (s *Stream) Result(ctx context.Context, url string) error {
	return s.Emit(ctx, EventTypeResult, ResultData{URL: url})
}

// Close closes the event channel. Only the first call has an effect.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.closedFlag.Store(true)
		close(s.events)
	}
}

// Closed reports whether Close has been called. Safe to call from the
// consumer while the producer is blocked in Emit.
func (s *Stream) Closed() bool {
	return s.closedFlag.Load()
}

// Detach tells the producer that nobody is reading anymore.
func (s *Stream) Detach() {
	s.detachOnce.Do(func() { close(s.detached) })
}
