// Package integration runs the HTTP surface end to end: real database, real
// generator over a fake chat-completions endpoint, scripted sandbox.
package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/obot-platform/scriptsmith/server/internal/cache"
	"github.com/obot-platform/scriptsmith/server/internal/config"
	"github.com/obot-platform/scriptsmith/server/internal/database"
	"github.com/obot-platform/scriptsmith/server/internal/generator"
	"github.com/obot-platform/scriptsmith/server/internal/handler"
	"github.com/obot-platform/scriptsmith/server/internal/llm"
	"github.com/obot-platform/scriptsmith/server/internal/pipeline"
	"github.com/obot-platform/scriptsmith/server/internal/retry"
	"github.com/obot-platform/scriptsmith/server/internal/sandbox/mock"
	"github.com/obot-platform/scriptsmith/server/internal/store"
)

// TestServer wraps a running stack with helpers.
type TestServer struct {
	Server   *httptest.Server
	DB       *database.DB
	Store    *store.Store
	Cache    *cache.Cache
	Pipeline *pipeline.Service
	Runner   *mock.Runner
	LLM      *FakeLLM
	T        *testing.T
}

// NewTestDB opens a migrated database: the PostgreSQL container when
// TEST_POSTGRES=1, TEST_DATABASE_DSN when set, else file-based SQLite.
func NewTestDB(t *testing.T) *database.DB {
	t.Helper()

	var dsn, driver string
	switch {
	case PostgresEnabled():
		dsn, driver = PostgresDSN(), "postgres"
	case os.Getenv("TEST_DATABASE_DSN") != "":
		dsn = os.Getenv("TEST_DATABASE_DSN")
		driver = "sqlite"
		if strings.HasPrefix(dsn, "postgres") {
			driver = "postgres"
		}
	default:
		// In-memory SQLite gives each connection its own database.
		dsn, driver = fmt.Sprintf("sqlite3://%s/test.db", t.TempDir()), "sqlite"
	}

	db, err := database.New(&config.Config{DatabaseDSN: dsn, DatabaseDriver: driver}, nil)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	if db.IsPostgres() {
		cleanTables(db)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// NewTestServer starts a stack over a fresh database.
func NewTestServer(t *testing.T, runner *mock.Runner) *TestServer {
	t.Helper()
	return StartOn(t, NewTestDB(t), NewFakeLLM(t), runner)
}

// StartOn starts a stack over an existing database, loading the lesson log
// the way the server does at boot.
func StartOn(t *testing.T, db *database.DB, fake *FakeLLM, runner *mock.Runner) *TestServer {
	t.Helper()

	s := store.New(db.DB)
	c := cache.New(s)
	if err := c.Load(context.Background()); err != nil {
		t.Fatalf("Failed to load lessons: %v", err)
	}

	client := llm.NewOpenAIClient(fake.Server.URL, "test-key", "fake-model",
		llm.WithRetryPolicy(retry.Policy{MaxAttempts: 1}))
	gen := generator.New(client, c, nil, generator.Options{}, nil)

	p := pipeline.New(c, s, gen, runner, pipeline.Options{Lessons: true, MaxConcurrent: 4}, nil)
	h := handler.New(s, c, p, handler.Info{
		LLMProvider:     client.Name(),
		SandboxProvider: runner.Name(),
		DatabaseDriver:  db.Driver,
		Lessons:         true,
	}, nil)
	srv := httptest.NewServer(handler.NewRouter(h, []string{"*"}, nil))

	t.Cleanup(func() {
		srv.Close()
		_ = p.Shutdown(context.Background())
	})

	return &TestServer{Server: srv, DB: db, Store: s, Cache: c, Pipeline: p, Runner: runner, LLM: fake, T: t}
}

// FakeLLM is a chat-completions endpoint. It answers lesson requests with
// Lesson and everything else with Code in a python fence.
type FakeLLM struct {
	Server *httptest.Server

	mu      sync.Mutex
	Code    string
	Lesson  string
	systems []string
}

// NewFakeLLM starts a fake endpoint.
func NewFakeLLM(t *testing.T) *FakeLLM {
	t.Helper()
	f := &FakeLLM{Code: "print('https://cdn.example/out.mp4')", Lesson: "Always print the output URL last."}
	lessonPrompt := strings.TrimSpace(generator.DefaultBundle().LessonPrompt)

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		if req.Messages[0].Role == "system" {
			f.systems = append(f.systems, req.Messages[0].Content)
		}
		reply := "```python\n" + f.Code + "\n```"
		if req.Messages[len(req.Messages)-1].Content == lessonPrompt {
			reply = f.Lesson
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(f.Server.Close)
	return f
}

// Systems returns every system prompt received so far.
func (f *FakeLLM) Systems() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.systems...)
}

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	ID    string
	Event string
	Data  string
}

// ReadSSE parses a complete event stream body.
func ReadSSE(t *testing.T, r io.Reader) []SSEEvent {
	t.Helper()
	var out []SSEEvent
	var cur SSEEvent
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Event != "" {
				out = append(out, cur)
			}
			cur = SSEEvent{}
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

// Explain posts an explanation request and reads the stream to its end.
func (ts *TestServer) Explain(topic, language string) []SSEEvent {
	ts.T.Helper()
	body := fmt.Sprintf(`{"prompt":%q,"language":%q}`, topic, language)
	resp, err := http.Post(ts.Server.URL+"/api/explanation/video", "application/json", strings.NewReader(body))
	if err != nil {
		ts.T.Fatalf("POST explanation: %v", err)
	}
	defer resp.Body.Close()
	AssertStatus(ts.T, resp, http.StatusOK)
	return ReadSSE(ts.T, resp.Body)
}

// Get issues a GET against the test server.
func (ts *TestServer) Get(path string, query url.Values) *http.Response {
	ts.T.Helper()
	u := ts.Server.URL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := http.Get(u)
	if err != nil {
		ts.T.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

// ParseJSON decodes and closes a response body.
func ParseJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

// AssertStatus fails the test when the status differs.
func AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected status %d, got %d: %s", expected, resp.StatusCode, body)
	}
}

func cleanTables(db *database.DB) {
	for _, table := range []string{"episode_events", "episodes", "lessons", "scripts"} {
		db.Exec("DELETE FROM " + table)
	}
}
