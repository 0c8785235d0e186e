// Package docker runs scripts in throwaway local Docker containers.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"

	"github.com/obot-platform/scriptsmith/server/internal/logger"
	"github.com/obot-platform/scriptsmith/server/internal/sandbox"
)

const (
	// labelManaged marks containers created by this runner.
	labelManaged = "scriptsmith.managed"

	containerPrefix = "scriptsmith-run-"

	defaultMemoryLimit = 2 << 30 // 2 GiB
)

// Config configures the runner.
type Config struct {
	Host    string   // empty uses DOCKER_HOST / the default socket
	Image   string   // e.g. python:3.12-slim
	Command []string // the script is appended as the last argument
	Timeout time.Duration
	// MemoryLimit in bytes; 0 uses a 2 GiB default.
	MemoryLimit int64
}

// Runner implements sandbox.Runner with one container per run.
type Runner struct {
	client *client.Client
	cfg    Config
	log    *logger.Logger

	// pullMu serializes on-demand image pulls.
	pullMu sync.Mutex
	pulled bool
}

// New creates a runner and verifies the daemon is reachable.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Runner, error) {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("docker runner: image is required")
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"python", "-c"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = defaultMemoryLimit
	}

	clientOpts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	log.Info("docker runner initialized", "image", cfg.Image)
	return &Runner{client: cli, cfg: cfg, log: log.Named("docker")}, nil
}

// Name identifies the backend.
func (r *Runner) Name() string {
	return "docker"
}

// Run creates a container for code, waits for it to exit and collects its
// output. A run that exceeds the timeout is killed and reported as a failed
// Outcome so the model sees the timeout.
func (r *Runner) Run(ctx context.Context, code string) (*sandbox.Outcome, error) {
	if err := r.ensureImage(ctx); err != nil {
		return nil, sandbox.Unavailable(err)
	}

	start := time.Now()
	name := containerPrefix + uuid.NewString()[:12]
	resp, err := r.client.ContainerCreate(ctx,
		&containerTypes.Config{
			Image:        r.cfg.Image,
			Cmd:          buildCommand(r.cfg.Command, code),
			Labels:       map[string]string{labelManaged: "true"},
			AttachStdout: true,
			AttachStderr: true,
		},
		&containerTypes.HostConfig{
			Resources: containerTypes.Resources{Memory: r.cfg.MemoryLimit},
		},
		nil, nil, name)
	if err != nil {
		return nil, sandbox.Unavailable(fmt.Errorf("create container: %w", err))
	}
	id := resp.ID
	defer r.remove(id)

	if err := r.client.ContainerStart(ctx, id, containerTypes.StartOptions{}); err != nil {
		return nil, sandbox.Unavailable(fmt.Errorf("start container: %w", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	exitCode, timedOut, err := r.wait(runCtx, id)
	if err != nil {
		return nil, err
	}

	// Logs are read with the parent context: runCtx may already be done.
	stdout, stderr, err := r.logs(ctx, id)
	if err != nil {
		return nil, sandbox.Unavailable(fmt.Errorf("read container logs: %w", err))
	}
	if timedOut {
		stderr = strings.TrimSpace(stderr + "\n" + fmt.Sprintf("execution timed out after %s", r.cfg.Timeout))
		exitCode = -1
	}

	return &sandbox.Outcome{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Duration: time.Since(start),
	}, nil
}

func (r *Runner) wait(ctx context.Context, id string) (exitCode int, timedOut bool, err error) {
	statusCh, errCh := r.client.ContainerWait(ctx, id, containerTypes.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return 0, false, sandbox.Unavailable(errors.New(status.Error.Message))
		}
		return int(status.StatusCode), false, nil
	case err := <-errCh:
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if kerr := r.client.ContainerKill(killCtx, id, "KILL"); kerr != nil && !cerrdefs.IsNotFound(kerr) {
				r.log.Warn("failed to kill timed out container", "container", id, "error", kerr)
			}
			return 0, true, nil
		}
		if errors.Is(err, context.Canceled) {
			return 0, false, err
		}
		return 0, false, sandbox.Unavailable(fmt.Errorf("wait container: %w", err))
	}
}

func (r *Runner) logs(ctx context.Context, id string) (string, string, error) {
	reader, err := r.client.ContainerLogs(ctx, id, containerTypes.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", err
	}
	defer func() { _ = reader.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", err
	}
	return stdout.String(), stderr.String(), nil
}

func (r *Runner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.client.ContainerRemove(ctx, id, containerTypes.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		r.log.Warn("failed to remove container", "container", id, "error", err)
	}
}

// ensureImage pulls the image once if it is not present locally.
func (r *Runner) ensureImage(ctx context.Context) error {
	r.pullMu.Lock()
	defer r.pullMu.Unlock()
	if r.pulled {
		return nil
	}

	if _, err := r.client.ImageInspect(ctx, r.cfg.Image); err == nil {
		r.pulled = true
		return nil
	}
	if isLocalImage(r.cfg.Image) {
		return fmt.Errorf("image %s not found locally and cannot be pulled (local image)", r.cfg.Image)
	}

	r.log.Info("pulling sandbox image", "image", r.cfg.Image)
	reader, err := r.client.ImagePull(ctx, r.cfg.Image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", r.cfg.Image, err)
	}
	defer func() { _ = reader.Close() }()

	// Drain the reader to complete the pull (progress is discarded)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", r.cfg.Image, err)
	}
	r.pulled = true
	return nil
}

// Close releases the docker client.
func (r *Runner) Close() error {
	return r.client.Close()
}

// buildCommand appends the script to the interpreter command without
// mutating the configured slice.
func buildCommand(base []string, code string) []string {
	cmd := make([]string, 0, len(base)+1)
	cmd = append(cmd, base...)
	return append(cmd, code)
}

// isLocalImage reports whether image can only come from the local daemon.
// Local images include:
// - Images with scriptsmith-local/ prefix (locally built images)
// - Bare digest references (sha256:...)
func isLocalImage(image string) bool {
	return strings.HasPrefix(image, "scriptsmith-local/") || strings.HasPrefix(image, "sha256:")
}
