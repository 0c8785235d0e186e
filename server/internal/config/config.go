package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

// Config holds all configuration for the server
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string

	// Database
	DatabaseDSN    string
	DatabaseDriver string // "postgres" or "sqlite", auto-detected from DSN

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"
	LogFile   string

	// LLM provider
	LLMProvider    string // "gemini" or "openai"
	GeminiAPIKey   string
	GeminiModel    string
	OpenAIBaseURL  string
	OpenAIAPIKey   string
	OpenAIModel    string
	LLMTemperature float64
	LLMTimeout     time.Duration

	// Scene planning and lessons
	ScenePlanningEnabled bool
	SceneModel           string
	LessonsEnabled       bool

	// Prompt bundle
	PromptFile  string
	PromptWatch bool

	// Sandbox
	SandboxProvider string // "remote" or "docker"
	SandboxURL      string
	SandboxToken    string
	SandboxTimeout  time.Duration
	SandboxImage    string
	SandboxCommand  []string
	DockerHost      string

	// Episodes
	ScriptDir             string
	MaxConcurrentEpisodes int

	// Discord bot (disabled when token is empty)
	DiscordToken  string
	DiscordPrefix string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	// Server
	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"*"})

	// Database
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", defaultDSN())
	cfg.DatabaseDriver = detectDriver(cfg.DatabaseDSN)

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")
	cfg.LogFile = getEnv("LOG_FILE", "")

	// LLM
	cfg.LLMProvider = strings.ToLower(getEnv("LLM_PROVIDER", "gemini"))
	cfg.GeminiAPIKey = getEnv("GEMINI_API_KEY", "")
	cfg.GeminiModel = getEnv("GEMINI_MODEL", "gemini-2.5-pro")
	cfg.OpenAIBaseURL = strings.TrimSuffix(getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/")
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", "")
	cfg.OpenAIModel = getEnv("OPENAI_MODEL", "gpt-4o")
	cfg.LLMTemperature = getEnvFloat("LLM_TEMPERATURE", 0)
	cfg.LLMTimeout = getEnvDuration("LLM_TIMEOUT", 5*time.Minute)

	cfg.ScenePlanningEnabled = getEnvBool("SCENE_PLANNING_ENABLED", false)
	cfg.SceneModel = getEnv("SCENE_MODEL", "")
	cfg.LessonsEnabled = getEnvBool("LESSONS_ENABLED", true)

	cfg.PromptFile = getEnv("PROMPT_FILE", "")
	cfg.PromptWatch = getEnvBool("PROMPT_WATCH", false)

	// Sandbox
	cfg.SandboxProvider = strings.ToLower(getEnv("SANDBOX_PROVIDER", "remote"))
	cfg.SandboxURL = strings.TrimSuffix(getEnv("SANDBOX_URL", ""), "/")
	cfg.SandboxToken = getEnv("SANDBOX_TOKEN", "")
	cfg.SandboxTimeout = getEnvDuration("SANDBOX_TIMEOUT", 10*time.Minute)
	cfg.SandboxImage = getEnv("SANDBOX_IMAGE", "python:3.12-slim")
	cfg.SandboxCommand = getEnvList("SANDBOX_COMMAND", []string{"python", "-c"})
	cfg.DockerHost = getEnv("DOCKER_HOST", "")

	// Episodes
	cfg.ScriptDir = getEnv("SCRIPT_DIR", filepath.Join(xdg.DataHome, "scriptsmith", "scripts"))
	cfg.MaxConcurrentEpisodes = getEnvInt("MAX_CONCURRENT_EPISODES", 16)

	// Bot
	cfg.DiscordToken = getEnv("DISCORD_TOKEN", "")
	cfg.DiscordPrefix = getEnv("DISCORD_PREFIX", "!")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that provider-specific settings are present.
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when LLM_PROVIDER=gemini")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("unsupported LLM_PROVIDER: %s", c.LLMProvider)
	}

	switch c.SandboxProvider {
	case "remote":
		if c.SandboxURL == "" {
			return fmt.Errorf("SANDBOX_URL is required when SANDBOX_PROVIDER=remote")
		}
	case "docker":
		if len(c.SandboxCommand) == 0 {
			return fmt.Errorf("SANDBOX_COMMAND must not be empty")
		}
	default:
		return fmt.Errorf("unsupported SANDBOX_PROVIDER: %s", c.SandboxProvider)
	}

	if c.MaxConcurrentEpisodes < 1 {
		return fmt.Errorf("MAX_CONCURRENT_EPISODES must be at least 1, got %d", c.MaxConcurrentEpisodes)
	}
	return nil
}

// defaultDSN places the sqlite database under the XDG data directory.
func defaultDSN() string {
	return "sqlite3://" + filepath.Join(xdg.DataHome, "scriptsmith", "scriptsmith.db")
}

// detectDriver determines the database driver from DSN
func detectDriver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	if strings.HasPrefix(dsn, "sqlite3://") || strings.HasPrefix(dsn, "sqlite://") {
		return "sqlite"
	}
	// Default to sqlite for file paths
	if strings.HasSuffix(dsn, ".db") || strings.HasSuffix(dsn, ".sqlite") || dsn == ":memory:" {
		return "sqlite"
	}
	return "postgres"
}

// CleanDSN removes the driver prefix from DSN for database/sql
func (c *Config) CleanDSN() string {
	dsn := c.DatabaseDSN
	dsn = strings.TrimPrefix(dsn, "postgres://")
	dsn = strings.TrimPrefix(dsn, "postgresql://")
	dsn = strings.TrimPrefix(dsn, "sqlite3://")
	dsn = strings.TrimPrefix(dsn, "sqlite://")

	// For postgres, add the prefix back
	if c.DatabaseDriver == "postgres" {
		return "postgres://" + dsn
	}
	return dsn
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
