package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/goleak"

	"github.com/obot-platform/scriptsmith/server/internal/events"
	"github.com/obot-platform/scriptsmith/server/internal/pipeline"
)

func TestMain(m *testing.M) {
	// The opencensus view worker is started by an init in the genai dependency tree.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type fakeMessenger struct {
	mu    sync.Mutex
	sent  []string
	edits []string

	// editGate, when set, holds every edit until it is closed.
	editGate chan struct{}
}

func (f *fakeMessenger) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return &discordgo.Message{ID: fmt.Sprintf("m%d", len(f.sent)), ChannelID: channelID}, nil
}

func (f *fakeMessenger) ChannelMessageEdit(_, _, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if f.editGate != nil {
		<-f.editGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, content)
	return &discordgo.Message{}, nil
}

// fakeStarter replays a fixed event script into each stream it returns.
type fakeStarter struct {
	reqs   []pipeline.Request
	script func(ctx context.Context, s *events.Stream)
	err    error
}

func (f *fakeStarter) Start(req pipeline.Request) (*events.Stream, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	s := events.NewStream(16)
	f.script(context.Background(), s)
	s.Close()
	return s, nil
}

func success(ctx context.Context, s *events.Stream) {
	_ = s.Progress(ctx, "start gen code")
	_ = s.Code(ctx, "print('https://cdn/v.mp4')")
	_ = s.Progress(ctx, "run finished 0")
	_ = s.Result(ctx, "https://cdn/v.mp4")
}

func exhausted(ctx context.Context, s *events.Stream) {
	_ = s.Code(ctx, "x")
	_ = s.Error(ctx, "attempt 0 produced no output")
	_ = s.Error(ctx, "no working script after 11 attempts")
}

func TestHandle_Commands(t *testing.T) {
	tests := []struct {
		name     string
		msg      incoming
		wantSent string
		wantReqs int
	}{
		{"start", incoming{channelID: "c", content: "!start"}, "Send me a topic", 0},
		{"about", incoming{channelID: "c", content: "!about"}, "scriptsmith", 0},
		{"chat id", incoming{channelID: "c42", content: "!chat_id"}, "chat id: c42", 0},
		{"explain without topic", incoming{channelID: "c", content: "!explain"}, "Usage: !explain", 0},
		{"unknown in DM", incoming{channelID: "c", direct: true, content: "!nope"}, "Unknown command", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := &fakeMessenger{}
			starter := &fakeStarter{script: success}
			b := newBot(msgs, starter, "!", nil)

			b.handle(tt.msg)
			b.wg.Wait()

			if len(msgs.sent) == 0 || !strings.Contains(msgs.sent[0], tt.wantSent) {
				t.Errorf("sent = %v, want %q", msgs.sent, tt.wantSent)
			}
			if len(starter.reqs) != tt.wantReqs {
				t.Errorf("episodes started = %d, want %d", len(starter.reqs), tt.wantReqs)
			}
		})
	}
}

func TestHandle_ChannelChatterIgnored(t *testing.T) {
	msgs := &fakeMessenger{}
	starter := &fakeStarter{script: success}
	b := newBot(msgs, starter, "!", nil)

	b.handle(incoming{channelID: "c", content: "hello everyone"})
	b.handle(incoming{channelID: "c", content: "!unknown"})

	if len(msgs.sent) != 0 || len(starter.reqs) != 0 {
		t.Errorf("sent = %v, reqs = %v", msgs.sent, starter.reqs)
	}
}

func TestExplain_Success(t *testing.T) {
	msgs := &fakeMessenger{}
	starter := &fakeStarter{script: success}
	b := newBot(msgs, starter, "!", nil)

	b.handle(incoming{authorID: "u1", channelID: "c", content: "!explain  pythagoras theorem"})
	b.wg.Wait()

	if len(starter.reqs) != 1 || starter.reqs[0].Topic != "pythagoras theorem" || starter.reqs[0].RequesterID != "discord:u1" {
		t.Fatalf("reqs = %+v", starter.reqs)
	}
	if n := len(msgs.edits); n == 0 || msgs.edits[n-1] != "Status: run finished 0" {
		t.Errorf("edits = %v, want the newest status last", msgs.edits)
	}
	want := []string{"Working on: pythagoras theorem", "```python\nprint('https://cdn/v.mp4')\n```", "https://cdn/v.mp4"}
	if strings.Join(msgs.sent, "|") != strings.Join(want, "|") {
		t.Errorf("sent = %q", msgs.sent)
	}
}

func TestExplain_DirectMessageIsTopic(t *testing.T) {
	msgs := &fakeMessenger{}
	starter := &fakeStarter{script: success}
	b := newBot(msgs, starter, "!", nil)

	b.handle(incoming{authorID: "u1", channelID: "dm", direct: true, content: "binary search"})
	b.wg.Wait()

	if len(starter.reqs) != 1 || starter.reqs[0].Topic != "binary search" {
		t.Errorf("reqs = %+v", starter.reqs)
	}
}

func TestExplain_Exhausted(t *testing.T) {
	msgs := &fakeMessenger{}
	b := newBot(msgs, &fakeStarter{script: exhausted}, "!", nil)

	b.handle(incoming{channelID: "c", content: "!explain t"})
	b.wg.Wait()

	last := msgs.sent[len(msgs.sent)-1]
	if last != "Failed: no working script after 11 attempts" {
		t.Errorf("last message = %q", last)
	}
}

func TestExplain_StartError(t *testing.T) {
	msgs := &fakeMessenger{}
	b := newBot(msgs, &fakeStarter{err: errors.New("invalid request")}, "!", nil)

	b.handle(incoming{channelID: "c", content: "!explain t"})

	if len(msgs.sent) != 1 || msgs.sent[0] != "Cannot start: invalid request" {
		t.Errorf("sent = %v", msgs.sent)
	}
}

func TestCodeBlock_FitsOneMessage(t *testing.T) {
	block := codeBlock(strings.Repeat("x", 5000))
	if n := len([]rune(block)); n > maxMessageLen {
		t.Errorf("len = %d, want <= %d", n, maxMessageLen)
	}
	if !strings.HasSuffix(block, "...\n```") {
		t.Errorf("block should be cut and still fenced: %q", block[len(block)-10:])
	}
}

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New("", "!", &fakeStarter{}, nil); err == nil {
		t.Error("expected error")
	}
}

// streamingStarter emits progress from its own goroutine into a small buffer,
// the way a running episode does.
type streamingStarter struct {
	steps   int
	emitted chan struct{}
}

func (f *streamingStarter) Start(pipeline.Request) (*events.Stream, error) {
	s := events.NewStream(1)
	go func() {
		defer close(f.emitted)
		defer s.Close()
		ctx := context.Background()
		for i := 0; i < f.steps; i++ {
			_ = s.Progress(ctx, "step %d", i)
		}
		_ = s.Result(ctx, "https://cdn/slow.mp4")
	}()
	return s, nil
}

func TestExplain_SlowEditsDoNotBlockEpisode(t *testing.T) {
	msgs := &fakeMessenger{editGate: make(chan struct{})}
	starter := &streamingStarter{steps: 50, emitted: make(chan struct{})}
	b := newBot(msgs, starter, "!", nil)

	b.handle(incoming{channelID: "c", content: "!explain slow"})

	select {
	case <-starter.emitted:
	case <-time.After(2 * time.Second):
		close(msgs.editGate)
		b.wg.Wait()
		t.Fatal("episode blocked behind a stalled status edit")
	}

	close(msgs.editGate)
	b.wg.Wait()

	if n := len(msgs.edits); n == 0 || n >= starter.steps {
		t.Fatalf("edits = %d, want coalesced below %d", n, starter.steps)
	}
	if last := msgs.edits[len(msgs.edits)-1]; last != "Status: step 49" {
		t.Errorf("last edit = %q, want the newest status", last)
	}
	if got := msgs.sent[len(msgs.sent)-1]; got != "https://cdn/slow.mp4" {
		t.Errorf("last message = %q", got)
	}
}
