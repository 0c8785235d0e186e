// Package llm abstracts the chat-completion providers used to write and
// repair scripts.
package llm

import (
	"context"
	"errors"
)

// Role tags who authored a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one turn of a conversation.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Conversation is an ordered list of messages.
type Conversation []Message

// Append returns a new conversation with msg added. The receiver is never
// modified, so a conversation handed to a provider stays stable while the
// caller keeps extending its own copy.
func (c Conversation) Append(role Role, text string) Conversation {
	out := make(Conversation, len(c), len(c)+1)
	copy(out, c)
	return append(out, Message{Role: role, Text: text})
}

// Clone returns a copy of c.
func (c Conversation) Clone() Conversation {
	out := make(Conversation, len(c))
	copy(out, c)
	return out
}

// Request is a single completion call.
type Request struct {
	System      string
	Messages    Conversation
	Temperature float32
	// Model overrides the client's default model when set.
	Model string
}

// Client returns one completion text for a request.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	Name() string
}

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("llm: empty response")
