package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/obot-platform/scriptsmith/server/internal/contentkey"
	"github.com/obot-platform/scriptsmith/server/internal/testutil"
)

func TestLookup_MissThenHit(t *testing.T) {
	c := New(testutil.NewStore(t))
	ctx := context.Background()
	key := contentkey.Derive("binary search", "english")

	loc, ok, err := c.Lookup(ctx, key)
	if err != nil || ok || loc != "" {
		t.Fatalf("Lookup() on empty cache = (%q, %v, %v)", loc, ok, err)
	}

	if err := c.Store(ctx, Record{Key: key, ArtifactLocation: "https://cdn/v.mp4", Language: "english"}); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	loc, ok, err = c.Lookup(ctx, key)
	if err != nil || !ok || loc != "https://cdn/v.mp4" {
		t.Fatalf("Lookup() after store = (%q, %v, %v)", loc, ok, err)
	}

	other := contentkey.Derive("binary search", "chinese")
	if _, ok, _ := c.Lookup(ctx, other); ok {
		t.Error("different language should miss")
	}
}

func TestStore_Validation(t *testing.T) {
	c := New(testutil.NewStore(t))
	ctx := context.Background()

	if err := c.Store(ctx, Record{ArtifactLocation: "x"}); err == nil {
		t.Error("zero key should be rejected")
	}
	if err := c.Store(ctx, Record{Key: contentkey.Derive("a", "b")}); err == nil {
		t.Error("empty location should be rejected")
	}
}

func TestStore_Idempotent(t *testing.T) {
	c := New(testutil.NewStore(t))
	ctx := context.Background()
	key := contentkey.Derive("t", "english")

	_ = c.Store(ctx, Record{Key: key, ArtifactLocation: "one", Language: "english"})
	if err := c.Store(ctx, Record{Key: key, ArtifactLocation: "two", Language: "english"}); err != nil {
		t.Fatalf("second Store() error = %v", err)
	}
	loc, _, _ := c.Lookup(ctx, key)
	if loc != "two" {
		t.Errorf("Lookup() = %q, want last write", loc)
	}
}

func TestLessons_SnapshotAndLoad(t *testing.T) {
	s := testutil.NewStore(t)
	c := New(s)
	ctx := context.Background()

	if err := c.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := c.CurrentLessons(); len(got) != 0 {
		t.Fatalf("CurrentLessons() = %v, want empty", got)
	}

	_ = c.AppendLesson(ctx, `{"topic":"a"}`, "close every fenced block", "")
	snapshot := c.CurrentLessons()
	_ = c.AppendLesson(ctx, `{"topic":"b"}`, "import numpy explicitly", "")

	if len(snapshot) != 1 {
		t.Errorf("snapshot changed after later append: %v", snapshot)
	}

	snapshot[0] = "mutated"
	if c.CurrentLessons()[0] != "close every fenced block" {
		t.Error("mutating a snapshot must not affect the cache")
	}

	// A fresh cache over the same store sees the persisted log.
	reloaded := New(s)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := reloaded.CurrentLessons()
	if len(got) != 2 || got[0] != "close every fenced block" || got[1] != "import numpy explicitly" {
		t.Errorf("reloaded lessons = %v", got)
	}
}

func TestAppendLesson_ConcurrentNoneLost(t *testing.T) {
	s := testutil.NewStore(t)
	c := New(s)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := c.AppendLesson(ctx, "{}", fmt.Sprintf("lesson-%d", i), ""); err != nil {
				t.Errorf("AppendLesson() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := len(c.CurrentLessons()); got != n {
		t.Errorf("in-memory lessons = %d, want %d", got, n)
	}
	rows, _ := s.ListLessons(ctx)
	if len(rows) != n {
		t.Errorf("persisted lessons = %d, want %d", len(rows), n)
	}

	// Memory order matches table order.
	mem := c.CurrentLessons()
	for i, r := range rows {
		if r.LessonText != mem[i] {
			t.Fatalf("order mismatch at %d: table %q, memory %q", i, r.LessonText, mem[i])
		}
	}
}

func TestAppendLesson_Empty(t *testing.T) {
	c := New(testutil.NewStore(t))
	if err := c.AppendLesson(context.Background(), "{}", "", ""); err == nil {
		t.Error("empty lesson should be rejected")
	}
}
