package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/obot-platform/scriptsmith/server/internal/retry"
)

const chatCompletionsPath = "/chat/completions"

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	policy     retry.Policy
}

// OpenAIOption customizes an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAIClient) { o.httpClient = c }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p retry.Policy) OpenAIOption {
	return func(o *OpenAIClient) { o.policy = p }
}

// NewOpenAIClient creates a client. baseURL should include the version
// prefix, e.g. https://api.openai.com/v1.
func NewOpenAIClient(baseURL, apiKey, model string, opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		policy: retry.Policy{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			MaxAttempts:  4,
			Multiplier:   2.0,
			RetryStatus: func(code int) bool {
				return code == http.StatusTooManyRequests || retry.IsRetryableStatus(code)
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider and model.
func (c *OpenAIClient) Name() string {
	return "openai:" + c.model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete posts the conversation, with the system prompt as the first message.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		role := "user"
		if m.Role == RoleModel {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: m.Text})
	}

	body, err := json.Marshal(chatRequest{Model: model, Messages: msgs, Temperature: req.Temperature})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	type result struct {
		status int
		body   []byte
	}
	res, err := retry.Do(ctx, c.policy, func() (result, int, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(body))
		if err != nil {
			return result{}, 0, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
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
		return "", fmt.Errorf("chat completion request: %w", err)
	}

	var parsed chatResponse
	if res.status != http.StatusOK {
		msg := strings.TrimSpace(string(res.body))
		if json.Unmarshal(res.body, &parsed) == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return "", fmt.Errorf("chat completion: HTTP %d: %s", res.status, msg)
	}
	if err := json.Unmarshal(res.body, &parsed); err != nil {
		return "", fmt.Errorf("chat completion: invalid response: %w", err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return parsed.Choices[0].Message.Content, nil
}
