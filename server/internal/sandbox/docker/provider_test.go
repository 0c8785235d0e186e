package docker

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestIsLocalImage(t *testing.T) {
	tests := []struct {
		name     string
		image    string
		expected bool
	}{
		{"registry tag", "python:3.12-slim", false},
		{"registry digest", "python@sha256:abc123", false},
		{"bare digest", "sha256:abc123", true},
		{"local build", "scriptsmith-local/manim:dev", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isLocalImage(tt.image); got != tt.expected {
				t.Errorf("isLocalImage(%q) = %v, want %v", tt.image, got, tt.expected)
			}
		})
	}
}

func TestBuildCommand_DoesNotMutateBase(t *testing.T) {
	base := make([]string, 2, 8)
	base[0], base[1] = "python", "-c"

	a := buildCommand(base, "print(1)")
	b := buildCommand(base, "print(2)")

	if a[2] != "print(1)" || b[2] != "print(2)" {
		t.Errorf("buildCommand() = %v, %v", a, b)
	}
	if len(base) != 2 {
		t.Errorf("base modified: %v", base)
	}
}

func TestNew_RequiresImage(t *testing.T) {
	if _, err := New(context.Background(), Config{}, nil); err == nil {
		t.Error("expected error without image")
	}
}

func newIntegrationRunner(t *testing.T, timeout time.Duration) *Runner {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	image := os.Getenv("TEST_SANDBOX_IMAGE")
	if image == "" {
		t.Skip("TEST_SANDBOX_IMAGE not set")
	}

	r, err := New(context.Background(), Config{Image: image, Timeout: timeout}, nil)
	if err != nil {
		t.Skip("Docker daemon not available:", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRun_Integration(t *testing.T) {
	r := newIntegrationRunner(t, time.Minute)

	tests := []struct {
		name        string
		code        string
		wantSuccess bool
		wantStderr  string
	}{
		{"prints location", "print('https://cdn/v.mp4')", true, ""},
		{"warning with output", "import sys; sys.stderr.write('warn\\n'); print('ok')", true, "warn"},
		{"raises", "raise ValueError('boom')", false, "ValueError: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			out, err := r.Run(ctx, tt.code)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if out.Succeeded() != tt.wantSuccess {
				t.Errorf("Succeeded() = %v, outcome = %+v", out.Succeeded(), out)
			}
			if tt.wantStderr != "" && !strings.Contains(out.Stderr, tt.wantStderr) {
				t.Errorf("stderr = %q, want to contain %q", out.Stderr, tt.wantStderr)
			}
		})
	}
}

func TestRun_IntegrationTimeout(t *testing.T) {
	r := newIntegrationRunner(t, 2*time.Second)

	out, err := r.Run(context.Background(), "import time; time.sleep(30)")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Succeeded() || !strings.Contains(out.Stderr, "timed out") {
		t.Errorf("outcome = %+v", out)
	}
}
