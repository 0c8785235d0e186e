// Package cache holds finished scripts by content key and the lesson log
// that is fed back into every generation prompt.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/obot-platform/scriptsmith/server/internal/contentkey"
	"github.com/obot-platform/scriptsmith/server/internal/model"
	"github.com/obot-platform/scriptsmith/server/internal/store"
)

// Record is what gets stored for a key on its first successful episode.
type Record struct {
	Key              contentkey.Key
	ArtifactLocation string
	Language         string
	Topic            string
	Code             string
	Attempts         int
	EpisodeID        string
}

// Cache is the result cache plus the lesson log.
type Cache struct {
	store *store.Store

	mu      sync.RWMutex
	lessons []string
}

// New creates a Cache. Call Load before serving requests so the lesson
// snapshot reflects what is already persisted.
func New(s *store.Store) *Cache {
	return &Cache{store: s}
}

// Load replaces the in-memory lesson snapshot with the persisted log.
func (c *Cache) Load(ctx context.Context) error {
	rows, err := c.store.ListLessons(ctx)
	if err != nil {
		return fmt.Errorf("load lessons: %w", err)
	}
	lessons := make([]string, 0, len(rows))
	for _, r := range rows {
		lessons = append(lessons, r.LessonText)
	}

	c.mu.Lock()
	c.lessons = lessons
	c.mu.Unlock()
	return nil
}

// Lookup returns the artifact location stored for key.
func (c *Cache) Lookup(ctx context.Context, key contentkey.Key) (string, bool, error) {
	rec, err := c.Get(ctx, key)
	if err != nil {
		return "", false, err
	}
	if rec == nil {
		return "", false, nil
	}
	return rec.ArtifactLocation, true, nil
}

// Get returns the full stored record for key, or nil when there is none.
func (c *Cache) Get(ctx context.Context, key contentkey.Key) (*model.Script, error) {
	rec, err := c.store.GetScript(ctx, key.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	return rec, nil
}

// Store writes the record for rec.Key. Storing the same key twice leaves
// the last write in place.
func (c *Cache) Store(ctx context.Context, rec Record) error {
	if rec.Key.IsZero() {
		return errors.New("store: zero key")
	}
	if rec.ArtifactLocation == "" {
		return errors.New("store: empty artifact location")
	}
	err := c.store.PutScript(ctx, &model.Script{
		Key:              rec.Key.String(),
		ArtifactLocation: rec.ArtifactLocation,
		Language:         rec.Language,
		Topic:            rec.Topic,
		Code:             rec.Code,
		Attempts:         rec.Attempts,
		EpisodeID:        rec.EpisodeID,
	})
	if err != nil {
		return fmt.Errorf("store %s: %w", rec.Key, err)
	}
	return nil
}

// AppendLesson persists a lesson and adds it to the snapshot. The write and
// the snapshot update happen under one lock so concurrent appends keep the
// same order in memory as in the table.
func (c *Cache) AppendLesson(ctx context.Context, promptContext, lessonText, episodeID string) error {
	if lessonText == "" {
		return errors.New("append lesson: empty text")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.CreateLesson(ctx, &model.Lesson{
		PromptContext: promptContext,
		LessonText:    lessonText,
		EpisodeID:     episodeID,
	}); err != nil {
		return fmt.Errorf("append lesson: %w", err)
	}
	c.lessons = append(c.lessons, lessonText)
	return nil
}

// CurrentLessons returns a copy of the lesson snapshot in insertion order.
func (c *Cache) CurrentLessons() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.lessons))
	copy(out, c.lessons)
	return out
}
