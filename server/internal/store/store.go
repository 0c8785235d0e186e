// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/obot-platform/scriptsmith/server/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Scripts ---

func (s *Store) GetScript(ctx context.Context, key string) (*model.Script, error) {
	var script model.Script
	if err := s.db.WithContext(ctx).First(&script, "key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &script, nil
}

// PutScript inserts a script record. A second write for the same key
// replaces the first.
func (s *Store) PutScript(ctx context.Context, script *model.Script) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			UpdateAll: true,
		}).
		Create(script).Error
}

func (s *Store) ListScripts(ctx context.Context, limit int) ([]model.Script, error) {
	var scripts []model.Script
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&scripts).Error; err != nil {
		return nil, err
	}
	return scripts, nil
}

// --- Lessons ---

func (s *Store) CreateLesson(ctx context.Context, lesson *model.Lesson) error {
	return s.db.WithContext(ctx).Create(lesson).Error
}

// ListLessons returns every lesson in insertion order.
func (s *Store) ListLessons(ctx context.Context) ([]model.Lesson, error) {
	var lessons []model.Lesson
	if err := s.db.WithContext(ctx).Order("seq ASC").Find(&lessons).Error; err != nil {
		return nil, err
	}
	return lessons, nil
}

// --- Episodes ---

func (s *Store) CreateEpisode(ctx context.Context, episode *model.Episode) error {
	return s.db.WithContext(ctx).Create(episode).Error
}

func (s *Store) GetEpisode(ctx context.Context, id string) (*model.Episode, error) {
	var episode model.Episode
	if err := s.db.WithContext(ctx).First(&episode, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &episode, nil
}

// UpdateEpisodeAttempts records how many generation calls an episode has made.
func (s *Store) UpdateEpisodeAttempts(ctx context.Context, id string, attempts int) error {
	result := s.db.WithContext(ctx).Model(&model.Episode{}).
		Where("id = ?", id).
		Update("attempts", attempts)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishEpisode moves an episode to a terminal state.
func (s *Store) FinishEpisode(ctx context.Context, id, state string, attempts int, location string, errMsg *string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&model.Episode{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":             state,
			"attempts":          attempts,
			"artifact_location": location,
			"error":             errMsg,
			"finished_at":       &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListEpisodesByKey(ctx context.Context, key string) ([]model.Episode, error) {
	var episodes []model.Episode
	if err := s.db.WithContext(ctx).
		Where("key = ?", key).
		Order("created_at DESC").
		Find(&episodes).Error; err != nil {
		return nil, err
	}
	return episodes, nil
}

// CountEpisodesByState returns the number of episodes in the given state.
func (s *Store) CountEpisodesByState(ctx context.Context, state string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&model.Episode{}).Where("state = ?", state).Count(&n).Error
	return n, err
}

// --- Episode events ---

func (s *Store) CreateEpisodeEvent(ctx context.Context, event *model.EpisodeEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}

// ListEpisodeEvents returns the events of an episode with seq > afterSeq, oldest first.
func (s *Store) ListEpisodeEvents(ctx context.Context, episodeID string, afterSeq int64) ([]model.EpisodeEvent, error) {
	var events []model.EpisodeEvent
	if err := s.db.WithContext(ctx).
		Where("episode_id = ? AND seq > ?", episodeID, afterSeq).
		Order("seq ASC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}
