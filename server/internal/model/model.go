// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Script is the cached result of a successful episode, keyed by content key.
// Rows are written once and never updated by the server.
type Script struct {
	Key              string    `gorm:"primaryKey;type:text" json:"key"`
	ArtifactLocation string    `gorm:"column:artifact_location;not null;type:text" json:"artifactLocation"`
	Topic            string    `gorm:"type:text" json:"topic"`
	Language         string    `gorm:"not null;type:text" json:"language"`
	Code             string    `gorm:"type:text" json:"code"`
	Attempts         int       `gorm:"not null;default:1" json:"attempts"`
	EpisodeID        string    `gorm:"column:episode_id;type:text" json:"episodeId"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Script) TableName() string { return "scripts" }

// Lesson is an entry in the append-only lesson log.
// Seq is the insertion order used to build prompts.
type Lesson struct {
	Seq           int64     `gorm:"column:seq;primaryKey;autoIncrement" json:"seq"`
	ID            string    `gorm:"uniqueIndex;not null;type:text" json:"id"`
	PromptContext string    `gorm:"column:prompt_context;type:text;not null" json:"promptContext"`
	LessonText    string    `gorm:"column:lesson_text;type:text;not null" json:"lessonText"`
	EpisodeID     string    `gorm:"column:episode_id;type:text" json:"episodeId,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

func (Lesson) TableName() string { return "lessons" }

func (l *Lesson) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	return nil
}

// Episode states
const (
	EpisodeStateRunning   = "running"
	EpisodeStateSucceeded = "succeeded"
	EpisodeStateCached    = "cached"
	EpisodeStateExhausted = "exhausted"
	EpisodeStateFailed    = "failed"
)

// Episode records one run of the repair loop for a request.
type Episode struct {
	ID               string     `gorm:"primaryKey;type:text" json:"id"`
	Key              string     `gorm:"not null;type:text;index" json:"key"`
	Topic            string     `gorm:"not null;type:text" json:"topic"`
	Language         string     `gorm:"not null;type:text" json:"language"`
	RequesterID      string     `gorm:"column:requester_id;type:text;index" json:"requesterId"`
	Options          string     `gorm:"type:text" json:"options,omitempty"` // JSON pass-through
	State            string     `gorm:"not null;type:text;default:running" json:"state"`
	Attempts         int        `gorm:"not null;default:0" json:"attempts"`
	ArtifactLocation string     `gorm:"column:artifact_location;type:text" json:"artifactLocation,omitempty"`
	Error            *string    `gorm:"type:text" json:"error,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updatedAt"`
	FinishedAt       *time.Time `gorm:"column:finished_at" json:"finishedAt,omitempty"`
}

func (Episode) TableName() string { return "episodes" }

func (e *Episode) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// EpisodeEvent is a persisted progress event, replayable after the stream closes.
type EpisodeEvent struct {
	Seq       int64           `gorm:"column:seq;primaryKey;autoIncrement" json:"seq"`
	ID        string          `gorm:"uniqueIndex;not null;type:text" json:"id"`
	EpisodeID string          `gorm:"column:episode_id;not null;type:text;index:idx_episode_seq,priority:1" json:"episodeId"`
	Type      string          `gorm:"not null;type:text" json:"type"`
	Data      json.RawMessage `gorm:"type:text;not null" json:"data"`
	CreatedAt time.Time       `gorm:"autoCreateTime;index:idx_episode_seq,priority:2" json:"createdAt"`

	Episode *Episode `gorm:"foreignKey:EpisodeID" json:"-"`
}

func (EpisodeEvent) TableName() string { return "episode_events" }

func (e *EpisodeEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Script{},
		&Lesson{},
		&Episode{},
		&EpisodeEvent{},
	}
}
