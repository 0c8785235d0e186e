package config

import (
	"strings"
	"testing"
	"time"
)

func TestDetectDriver(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"postgres://user@localhost/db", "postgres"},
		{"postgresql://user@localhost/db", "postgres"},
		{"sqlite3:///tmp/test.db", "sqlite"},
		{"sqlite://./data.db", "sqlite"},
		{"./scriptsmith.db", "sqlite"},
		{":memory:", "sqlite"},
		{"host=localhost dbname=x", "postgres"},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			if got := detectDriver(tt.dsn); got != tt.want {
				t.Errorf("detectDriver(%q) = %q, want %q", tt.dsn, got, tt.want)
			}
		})
	}
}

func TestCleanDSN(t *testing.T) {
	cfg := &Config{DatabaseDSN: "sqlite3:///tmp/x/test.db", DatabaseDriver: "sqlite"}
	if got := cfg.CleanDSN(); got != "/tmp/x/test.db" {
		t.Errorf("CleanDSN() = %q", got)
	}

	cfg = &Config{DatabaseDSN: "postgresql://u@h/db", DatabaseDriver: "postgres"}
	if got := cfg.CleanDSN(); got != "postgres://u@h/db" {
		t.Errorf("CleanDSN() = %q", got)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	t.Setenv("SANDBOX_URL", "http://sandbox.local/")
	t.Setenv("DATABASE_DSN", "sqlite3://"+t.TempDir()+"/test.db")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LLMProvider != "gemini" {
		t.Errorf("LLMProvider = %q, want gemini", cfg.LLMProvider)
	}
	if cfg.SandboxURL != "http://sandbox.local" {
		t.Errorf("SandboxURL = %q, trailing slash should be trimmed", cfg.SandboxURL)
	}
	if cfg.LLMTemperature != 0 {
		t.Errorf("LLMTemperature = %v, want 0", cfg.LLMTemperature)
	}
	if cfg.SandboxTimeout != 10*time.Minute {
		t.Errorf("SandboxTimeout = %v", cfg.SandboxTimeout)
	}
	if !cfg.LessonsEnabled {
		t.Error("LessonsEnabled should default to true")
	}
	if cfg.DatabaseDriver != "sqlite" {
		t.Errorf("DatabaseDriver = %q", cfg.DatabaseDriver)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "OpenAI")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("SANDBOX_PROVIDER", "docker")
	t.Setenv("SANDBOX_COMMAND", "python3, -c")
	t.Setenv("CORS_ORIGINS", "http://a.example, http://b.example")
	t.Setenv("MAX_CONCURRENT_EPISODES", "3")
	t.Setenv("LLM_TEMPERATURE", "0.2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LLMProvider != "openai" {
		t.Errorf("LLMProvider = %q, want openai", cfg.LLMProvider)
	}
	if strings.Join(cfg.SandboxCommand, "|") != "python3|-c" {
		t.Errorf("SandboxCommand = %v", cfg.SandboxCommand)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.example" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.MaxConcurrentEpisodes != 3 {
		t.Errorf("MaxConcurrentEpisodes = %d", cfg.MaxConcurrentEpisodes)
	}
	if cfg.LLMTemperature != 0.2 {
		t.Errorf("LLMTemperature = %v", cfg.LLMTemperature)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			LLMProvider:           "gemini",
			GeminiAPIKey:          "k",
			SandboxProvider:       "remote",
			SandboxURL:            "http://sandbox",
			MaxConcurrentEpisodes: 1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing gemini key", func(c *Config) { c.GeminiAPIKey = "" }, "GEMINI_API_KEY"},
		{"missing openai key", func(c *Config) { c.LLMProvider = "openai" }, "OPENAI_API_KEY"},
		{"unknown provider", func(c *Config) { c.LLMProvider = "bard" }, "unsupported LLM_PROVIDER"},
		{"missing sandbox url", func(c *Config) { c.SandboxURL = "" }, "SANDBOX_URL"},
		{"unknown sandbox", func(c *Config) { c.SandboxProvider = "k8s" }, "unsupported SANDBOX_PROVIDER"},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentEpisodes = 0 }, "MAX_CONCURRENT_EPISODES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
