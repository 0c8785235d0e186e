package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/obot-platform/scriptsmith/server/internal/model"
	"github.com/obot-platform/scriptsmith/server/internal/store"
	"github.com/obot-platform/scriptsmith/server/internal/testutil"
)

func TestMain(m *testing.M) {
	// The opencensus view worker is started by an init in the genai dependency tree.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

func TestStream_DeliversInOrder(t *testing.T) {
	s := NewStream(8)
	ctx := context.Background()

	_ = s.Progress(ctx, "start run code %d", 0)
	_ = s.Code(ctx, "print(1)")
	_ = s.Result(ctx, "https://cdn/v.mp4")
	s.Close()

	var got []EventType
	for ev := range s.Events() {
		got = append(got, ev.Type)
	}
	want := []EventType{EventTypeProgress, EventTypeCode, EventTypeResult}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestStream_Payloads(t *testing.T) {
	tests := []struct {
		name string
		emit func(*Stream) error
		want string
	}{
		{"progress", func(s *Stream) error { return s.Progress(context.Background(), "run finished %d", 3) }, `{"info":"run finished 3"}`},
		{"code", func(s *Stream) error { return s.Code(context.Background(), "x = 1") }, `{"python_code":"x = 1"}`},
		{"error", func(s *Stream) error { return s.Error(context.Background(), "boom") }, `{"error":"boom"}`},
		{"result", func(s *Stream) error { return s.Result(context.Background(), "u") }, `{"url":"u"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStream(1)
			if err := tt.emit(s); err != nil {
				t.Fatalf("emit error = %v", err)
			}
			ev := <-s.Events()
			if string(ev.Data) != tt.want {
				t.Errorf("data = %s, want %s", ev.Data, tt.want)
			}
		})
	}
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	s := NewStream(1)
	s.Close()
	s.Close()

	if !s.Closed() {
		t.Error("Closed() = false")
	}
	if err := s.Progress(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Emit after Close error = %v, want ErrClosed", err)
	}
	if _, ok := <-s.Events(); ok {
		t.Error("channel should be closed")
	}
}

func TestStream_DetachUnblocksProducer(t *testing.T) {
	s := NewStream(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_ = s.Progress(context.Background(), "step %d", i)
		}
		s.Close()
	}()

	s.Detach()
	s.Detach()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked after Detach")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []*Event
}

func (r *recordingSink) Persist(_ context.Context, episodeID string, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.Seq = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	return nil
}

func TestStream_PersistsOnlyAfterEpisodeBound(t *testing.T) {
	sink := &recordingSink{}
	s := NewStream(4, WithSink(sink))
	ctx := context.Background()

	_ = s.Progress(ctx, "before")
	s.SetEpisode("ep-1")
	_ = s.Progress(ctx, "after")
	s.Close()

	if len(sink.events) != 1 {
		t.Fatalf("persisted %d events, want 1", len(sink.events))
	}
	var p ProgressData
	_ = json.Unmarshal(sink.events[0].Data, &p)
	if p.Info != "after" {
		t.Errorf("persisted %q", p.Info)
	}
}

func setupEpisode(t *testing.T) (*store.Store, *model.Episode) {
	t.Helper()
	s := testutil.NewStore(t)
	ep := &model.Episode{Key: "k", Topic: "t", Language: "english", State: model.EpisodeStateRunning}
	if err := s.CreateEpisode(context.Background(), ep); err != nil {
		t.Fatalf("CreateEpisode() error = %v", err)
	}
	return s, ep
}

func TestStoreSink_AssignsSeq(t *testing.T) {
	s, ep := setupEpisode(t)
	stream := NewStream(4, WithSink(StoreSink{Store: s}))
	stream.SetEpisode(ep.ID)
	ctx := context.Background()

	_ = stream.Progress(ctx, "a")
	_ = stream.Result(ctx, "u")
	stream.Close()

	var seqs []int64
	for ev := range stream.Events() {
		seqs = append(seqs, ev.Seq)
	}
	if len(seqs) != 2 || seqs[0] == 0 || seqs[1] <= seqs[0] {
		t.Errorf("seqs = %v", seqs)
	}
}

func TestPoller_FollowFinishedEpisode(t *testing.T) {
	s, ep := setupEpisode(t)
	ctx := context.Background()
	stream := NewStream(4, WithSink(StoreSink{Store: s}))
	stream.SetEpisode(ep.ID)
	_ = stream.Progress(ctx, "start gen code")
	_ = stream.Result(ctx, "u")
	stream.Close()
	_ = s.FinishEpisode(ctx, ep.ID, model.EpisodeStateSucceeded, 1, "u", nil)

	p := NewPoller(s, PollerConfig{PollInterval: 10 * time.Millisecond}, nil)
	var got []*Event
	err := p.Follow(ctx, ep.ID, 0, func(ev *Event) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("Follow() error = %v", err)
	}
	if len(got) != 2 || got[1].Type != EventTypeResult {
		t.Errorf("got %d events", len(got))
	}
}

func TestPoller_FollowRunningEpisode(t *testing.T) {
	s, ep := setupEpisode(t)
	ctx := context.Background()
	sink := StoreSink{Store: s}

	p := NewPoller(s, PollerConfig{PollInterval: 10 * time.Millisecond}, nil)

	var got []*Event
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Follow(ctx, ep.ID, 0, func(ev *Event) error {
			got = append(got, ev)
			return nil
		})
	}()

	time.Sleep(30 * time.Millisecond)
	_ = sink.Persist(ctx, ep.ID, &Event{Type: EventTypeProgress, Data: json.RawMessage(`{"info":"x"}`)})
	_ = sink.Persist(ctx, ep.ID, &Event{Type: EventTypeError, Data: json.RawMessage(`{"error":"exhausted"}`)})
	_ = s.FinishEpisode(ctx, ep.ID, model.EpisodeStateExhausted, 11, "", nil)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Follow() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return after the episode finished")
	}
	if len(got) != 2 {
		t.Errorf("got %d events, want 2", len(got))
	}
}

func TestPoller_UnknownEpisode(t *testing.T) {
	s := testutil.NewStore(t)
	p := NewPoller(s, DefaultPollerConfig(), nil)
	err := p.Follow(context.Background(), "missing", 0, func(*Event) error { return nil })
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Follow() error = %v, want ErrNotFound", err)
	}
}
