package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/obot-platform/scriptsmith/server/internal/bot"
	"github.com/obot-platform/scriptsmith/server/internal/cache"
	"github.com/obot-platform/scriptsmith/server/internal/config"
	"github.com/obot-platform/scriptsmith/server/internal/database"
	"github.com/obot-platform/scriptsmith/server/internal/generator"
	"github.com/obot-platform/scriptsmith/server/internal/handler"
	"github.com/obot-platform/scriptsmith/server/internal/llm"
	"github.com/obot-platform/scriptsmith/server/internal/logger"
	"github.com/obot-platform/scriptsmith/server/internal/pipeline"
	"github.com/obot-platform/scriptsmith/server/internal/sandbox"
	"github.com/obot-platform/scriptsmith/server/internal/sandbox/docker"
	"github.com/obot-platform/scriptsmith/server/internal/sandbox/remote"
	"github.com/obot-platform/scriptsmith/server/internal/store"
	"github.com/obot-platform/scriptsmith/server/internal/version"
)

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		_ = log.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting scriptsmith", "version", version.Get(), "llm", cfg.LLMProvider, "sandbox", cfg.SandboxProvider)

	db, err := database.New(cfg, log)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	s := store.New(db.DB)

	c := cache.New(s)
	if err := c.Load(ctx); err != nil {
		return fmt.Errorf("load lessons: %w", err)
	}
	log.Info("lesson log loaded", "lessons", len(c.CurrentLessons()))

	client, err := newLLMClient(ctx, cfg)
	if err != nil {
		return err
	}

	prompts, err := loadPrompts(cfg)
	if err != nil {
		return err
	}

	gen := generator.New(client, c, prompts, generator.Options{
		Temperature: float32(cfg.LLMTemperature),
		SceneModel:  cfg.SceneModel,
	}, log.Named("generator"))

	runner, err := newRunner(ctx, cfg, log)
	if err != nil {
		return err
	}
	if closer, ok := runner.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	svc := pipeline.New(c, s, gen, runner, pipeline.Options{
		ScenePlanning: cfg.ScenePlanningEnabled,
		Lessons:       cfg.LessonsEnabled,
		ScriptDir:     cfg.ScriptDir,
		MaxConcurrent: int64(cfg.MaxConcurrentEpisodes),
	}, log)

	h := handler.New(s, c, svc, handler.Info{
		LLMProvider:     client.Name(),
		SandboxProvider: runner.Name(),
		DatabaseDriver:  db.Driver,
		ScenePlanning:   cfg.ScenePlanningEnabled,
		Lessons:         cfg.LessonsEnabled,
	}, log)

	// WriteTimeout stays zero: explanation streams run for minutes.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler.NewRouter(h, cfg.CORSOrigins, log),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.PromptFile != "" && cfg.PromptWatch {
		if err := prompts.Watch(gctx, cfg.PromptFile, log.Named("prompts")); err != nil {
			log.Warn("prompt hot reload disabled", "error", err)
		}
	}

	if cfg.DiscordToken != "" {
		b, err := bot.New(cfg.DiscordToken, cfg.DiscordPrefix, svc, log)
		if err != nil {
			return err
		}
		g.Go(func() error { return b.Run(gctx) })
	} else {
		log.Info("discord bot disabled")
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", "error", err)
		}
		if err := svc.Shutdown(shutdownCtx); err != nil {
			log.Warn("episodes still running at shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

func newLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.LLMProvider {
	case "gemini":
		c, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return c, nil
	case "openai":
		return llm.NewOpenAIClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel,
			llm.WithHTTPClient(&http.Client{Timeout: cfg.LLMTimeout})), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}
}

func loadPrompts(cfg *config.Config) (*generator.Prompts, error) {
	if cfg.PromptFile == "" {
		return generator.NewPrompts(generator.DefaultBundle()), nil
	}
	b, err := generator.LoadBundle(cfg.PromptFile)
	if err != nil {
		return nil, fmt.Errorf("load prompt bundle: %w", err)
	}
	return generator.NewPrompts(b), nil
}

func newRunner(ctx context.Context, cfg *config.Config, log *logger.Logger) (sandbox.Runner, error) {
	switch cfg.SandboxProvider {
	case "remote":
		r := remote.New(cfg.SandboxURL, cfg.SandboxToken, cfg.SandboxTimeout)
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.Health(hctx); err != nil {
			// Unreachable sandboxes surface per episode; startup proceeds.
			log.Warn("sandbox health check failed", "url", cfg.SandboxURL, "error", err)
		}
		return r, nil
	case "docker":
		r, err := docker.New(ctx, docker.Config{
			Host:    cfg.DockerHost,
			Image:   cfg.SandboxImage,
			Command: cfg.SandboxCommand,
			Timeout: cfg.SandboxTimeout,
		}, log.Named("docker"))
		if err != nil {
			return nil, fmt.Errorf("create docker sandbox: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported sandbox provider: %s", cfg.SandboxProvider)
	}
}
