// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"fmt"
	"os"
	"testing"

	"github.com/obot-platform/scriptsmith/server/internal/config"
	"github.com/obot-platform/scriptsmith/server/internal/database"
	"github.com/obot-platform/scriptsmith/server/internal/store"
)

// NewDB opens a migrated database for a test. It uses TEST_DATABASE_DSN when
// set, otherwise a file-based SQLite database in a temp directory
// (in-memory SQLite gives each connection its own database).
func NewDB(t *testing.T) *database.DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("sqlite3://%s/test.db", t.TempDir())
	}
	cfg := &config.Config{DatabaseDSN: dsn}
	cfg.DatabaseDriver = "sqlite"
	if len(dsn) >= 8 && dsn[:8] == "postgres" {
		cfg.DatabaseDriver = "postgres"
	}

	db, err := database.New(cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

// NewStore returns a Store over a fresh test database.
func NewStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(NewDB(t).DB)
}
