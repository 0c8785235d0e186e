package integration

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/obot-platform/scriptsmith/server/internal/contentkey"
	"github.com/obot-platform/scriptsmith/server/internal/model"
	"github.com/obot-platform/scriptsmith/server/internal/sandbox/mock"
)

func TestHealthEndpoint(t *testing.T) {
	ts := NewTestServer(t, mock.NewRunner())

	var result map[string]string
	resp := ts.Get("/health", nil)
	AssertStatus(t, resp, http.StatusOK)
	ParseJSON(t, resp, &result)

	if result["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%s'", result["status"])
	}
}

func TestExplanation_RepairRecordsScriptAndLesson(t *testing.T) {
	ts := NewTestServer(t, mock.NewRunner(
		mock.Fail("NameError: name 'Tex' is not defined"),
		mock.Succeed("https://cdn.example/pythagoras.mp4"),
	))

	evs := ts.Explain("pythagoras theorem", "english")
	last := evs[len(evs)-1]
	if last.Event != "main" || last.Data != `{"url":"https://cdn.example/pythagoras.mp4"}` {
		t.Fatalf("last event = %+v", last)
	}

	var rec model.Script
	resp := ts.Get("/api/scripts", url.Values{"topic": {"pythagoras theorem"}, "language": {"english"}})
	AssertStatus(t, resp, http.StatusOK)
	ParseJSON(t, resp, &rec)
	if rec.Attempts != 2 || rec.ArtifactLocation != "https://cdn.example/pythagoras.mp4" {
		t.Errorf("script = %+v", rec)
	}

	var lessons struct {
		Lessons []model.Lesson `json:"lessons"`
	}
	resp = ts.Get("/api/lessons", nil)
	AssertStatus(t, resp, http.StatusOK)
	ParseJSON(t, resp, &lessons)
	if len(lessons.Lessons) != 1 || lessons.Lessons[0].LessonText != ts.LLM.Lesson {
		t.Errorf("lessons = %+v", lessons.Lessons)
	}

	// The next episode's prompt carries the lesson.
	evs = ts.Explain("binary search", "english")
	if evs[len(evs)-1].Event != "main" {
		t.Fatalf("second episode ended with %+v", evs[len(evs)-1])
	}
	systems := ts.LLM.Systems()
	if !strings.Contains(systems[len(systems)-1], ts.LLM.Lesson) {
		t.Error("lesson missing from the system prompt of the next episode")
	}
}

func TestExplanation_ReplayMatchesLiveStream(t *testing.T) {
	ts := NewTestServer(t, mock.NewRunner(mock.Fail("boom"), mock.Succeed("https://cdn.example/x.mp4")))

	live := ts.Explain("sorting", "english")

	episodes, err := ts.Store.ListEpisodesByKey(context.Background(), contentkey.Derive("sorting", "english").String())
	if err != nil || len(episodes) != 1 {
		t.Fatalf("episodes = %v, err = %v", episodes, err)
	}
	if episodes[0].State != model.EpisodeStateSucceeded {
		t.Errorf("state = %s", episodes[0].State)
	}

	resp := ts.Get("/api/episodes/"+episodes[0].ID+"/events", nil)
	AssertStatus(t, resp, http.StatusOK)
	replay := ReadSSE(t, resp.Body)
	resp.Body.Close()

	if len(replay) != len(live) {
		t.Fatalf("replay has %d events, live had %d", len(replay), len(live))
	}
	for i := range live {
		if replay[i].Event != live[i].Event || replay[i].Data != live[i].Data || replay[i].ID != live[i].ID {
			t.Errorf("event %d: replay %+v, live %+v", i, replay[i], live[i])
		}
	}
}

func TestExplanation_ExhaustedLeavesNoRecord(t *testing.T) {
	runner := mock.NewRunner(mock.Fail("Traceback: still broken"))
	ts := NewTestServer(t, runner)

	evs := ts.Explain("quantum tunnelling", "english")
	last := evs[len(evs)-1]
	if last.Event != "error" {
		t.Fatalf("last event = %+v", last)
	}
	if n := runner.CallCount(); n != 11 {
		t.Errorf("sandbox runs = %d, want 11", n)
	}

	resp := ts.Get("/api/scripts", url.Values{"topic": {"quantum tunnelling"}})
	AssertStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	var status struct {
		EpisodesByState map[string]int64 `json:"episodesByState"`
		Lessons         int              `json:"lessons"`
	}
	resp = ts.Get("/api/status", nil)
	AssertStatus(t, resp, http.StatusOK)
	ParseJSON(t, resp, &status)
	if status.EpisodesByState[model.EpisodeStateExhausted] != 1 || status.Lessons != 0 {
		t.Errorf("status = %+v", status)
	}
}

func TestRestart_ServesFromCacheAndKeepsLessons(t *testing.T) {
	db := NewTestDB(t)
	fake := NewFakeLLM(t)

	first := StartOn(t, db, fake, mock.NewRunner(mock.Fail("oops"), mock.Succeed("https://cdn.example/pi.mp4")))
	first.Explain("why pi is irrational", "english")
	first.Server.Close()
	_ = first.Pipeline.Shutdown(context.Background())

	runner := mock.NewRunner()
	second := StartOn(t, db, fake, runner)

	if got := second.Cache.CurrentLessons(); len(got) != 1 || got[0] != fake.Lesson {
		t.Errorf("lessons after restart = %v", got)
	}

	llmCalls := len(fake.Systems())
	evs := second.Explain("why pi is irrational", "english")
	if last := evs[len(evs)-1]; last.Event != "main" || last.Data != `{"url":"https://cdn.example/pi.mp4"}` {
		t.Errorf("last event = %+v", last)
	}
	if runner.CallCount() != 0 || len(fake.Systems()) != llmCalls {
		t.Error("cached request reached the generator or the sandbox")
	}
}
