// Package remote runs scripts on an HTTP execution service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/obot-platform/scriptsmith/server/internal/retry"
	"github.com/obot-platform/scriptsmith/server/internal/sandbox"
	"github.com/obot-platform/scriptsmith/server/internal/sandbox/sandboxapi"
)

const executePath = "/v1/execute"

// Runner posts scripts to {baseURL}/v1/execute.
type Runner struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	policy     retry.Policy
}

// Option customizes a Runner.
type Option func(*Runner)

// WithHTTPClient replaces the transport. The bearer token, if any, is only
// applied when the client is built by New.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) { r.httpClient = c }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(r *Runner) { r.policy = p }
}

// New creates a Runner. An empty token sends no Authorization header.
// timeout bounds a single run; the HTTP client allows a little extra so the
// service can report its own timeout first.
func New(baseURL, token string, timeout time.Duration, opts ...Option) *Runner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	httpClient := &http.Client{Timeout: timeout + 15*time.Second}
	if token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		httpClient = &http.Client{
			Timeout:   timeout + 15*time.Second,
			Transport: &oauth2.Transport{Source: src, Base: http.DefaultTransport},
		}
	}

	r := &Runner{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		timeout:    timeout,
		httpClient: httpClient,
		policy: retry.Policy{
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			MaxAttempts:  4,
			Multiplier:   2.0,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name identifies the backend.
func (r *Runner) Name() string {
	return "remote"
}

// Run executes code. Transport failures, auth failures and persistent 5xx
// responses are reported as sandbox.ErrUnavailable; a script that runs and
// fails is an Outcome, not an error.
func (r *Runner) Run(ctx context.Context, code string) (*sandbox.Outcome, error) {
	body, err := json.Marshal(sandboxapi.ExecuteRequest{
		Code:           code,
		Language:       "python",
		TimeoutSeconds: int(r.timeout / time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	type result struct {
		status int
		body   []byte
	}
	start := time.Now()
	res, err := retry.Do(ctx, r.policy, func() (result, int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+executePath, bytes.NewReader(body))
		if err != nil {
			return result{}, 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return result{}, 0, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return result{}, resp.StatusCode, err
		}
		return result{status: resp.StatusCode, body: data}, resp.StatusCode, nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, sandbox.Unavailable(err)
	}

	if res.status != http.StatusOK {
		msg := strings.TrimSpace(string(res.body))
		var e sandboxapi.ErrorResponse
		if json.Unmarshal(res.body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, sandbox.Unavailable(fmt.Errorf("execute: HTTP %d: %s", res.status, msg))
	}

	var parsed sandboxapi.ExecuteResponse
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return nil, sandbox.Unavailable(fmt.Errorf("execute: invalid response: %w", err))
	}
	stdout := parsed.Stdout
	if stdout == "" {
		stdout = parsed.Output
	}
	return &sandbox.Outcome{
		Stdout:   stdout,
		Stderr:   parsed.Stderr,
		ExitCode: parsed.ExitCode,
		Duration: time.Since(start),
	}, nil
}

// Health checks GET {baseURL}/health.
func (r *Runner) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return sandbox.Unavailable(err)
	}
	defer resp.Body.Close()

	var h sandboxapi.HealthResponse
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&h) != nil || !h.Healthy {
		return sandbox.Unavailable(fmt.Errorf("health: HTTP %d", resp.StatusCode))
	}
	return nil
}
