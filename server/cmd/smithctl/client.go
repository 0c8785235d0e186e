package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/obot-platform/scriptsmith/server/internal/events"
	"github.com/obot-platform/scriptsmith/server/internal/model"
)

type client struct {
	base string
	http *http.Client
}

func newClient(base string, timeout time.Duration) *client {
	return &client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// wsMessage mirrors one event frame of the WebSocket endpoint.
type wsMessage struct {
	Event events.EventType `json:"event"`
	Seq   int64            `json:"seq,omitempty"`
	Data  json.RawMessage  `json:"data"`
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (c *client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &apiError{Status: resp.StatusCode, Message: body.Error}
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *client) lookup(ctx context.Context, topic, language string) (*model.Script, error) {
	q := url.Values{"topic": {topic}, "language": {language}}
	var rec model.Script
	if err := c.getJSON(ctx, "/api/scripts?"+q.Encode(), &rec); err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("no cached script for %q (%s)", topic, language)
		}
		return nil, err
	}
	return &rec, nil
}

func (c *client) lessons(ctx context.Context) ([]model.Lesson, error) {
	var body struct {
		Lessons []model.Lesson `json:"lessons"`
	}
	if err := c.getJSON(ctx, "/api/lessons", &body); err != nil {
		return nil, err
	}
	return body.Lessons, nil
}

func (c *client) status(ctx context.Context) (map[string]any, error) {
	var body map[string]any
	if err := c.getJSON(ctx, "/api/status", &body); err != nil {
		return nil, err
	}
	return body, nil
}

// generate starts an episode over the WebSocket endpoint and calls onEvent
// for every event until the server closes the stream.
func (c *client) generate(ctx context.Context, topic, language string, onEvent func(wsMessage)) error {
	wsURL, err := toWebSocketURL(c.base + "/api/explanation/ws")
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON on cancellation.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(map[string]string{"prompt": topic, "language": language}); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("server closed stream: %s", closeErr.Text)
			}
			return fmt.Errorf("read event: %w", err)
		}
		onEvent(msg)
	}
}

func toWebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	return u.String(), nil
}
