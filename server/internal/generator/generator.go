// Package generator turns a conversation into a Python script using an LLM.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/obot-platform/scriptsmith/server/internal/llm"
	"github.com/obot-platform/scriptsmith/server/internal/logger"
)

// Failure kinds. Match them with errors.Is.
var (
	ErrGeneratorUnavailable = errors.New("generator unavailable")
	ErrNoCodeFound          = errors.New("no code found in model reply")
)

// Error carries the failure kind, its cause and the raw reply if any.
type Error struct {
	Kind      error
	Cause     error
	RawOutput string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
	}
	return e.Kind.Error()
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Cause }

// Artifact is one generated script.
type Artifact struct {
	Code      string
	RawOutput string
}

// LessonSource supplies the lessons rendered into every system prompt.
type LessonSource interface {
	CurrentLessons() []string
}

// Options tune a Generator.
type Options struct {
	Temperature float32
	// SceneModel is used for PlanScene when set.
	SceneModel string
}

// Generator builds prompts, calls the model and extracts code.
type Generator struct {
	client  llm.Client
	lessons LessonSource
	prompts *Prompts
	opts    Options
	log     *logger.Logger
}

// New creates a Generator. lessons may be nil.
func New(client llm.Client, lessons LessonSource, prompts *Prompts, opts Options, log *logger.Logger) *Generator {
	if prompts == nil {
		prompts = NewPrompts(DefaultBundle())
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Generator{client: client, lessons: lessons, prompts: prompts, opts: opts, log: log}
}

// SystemPrompt assembles instructions, the current lessons and the worked
// examples. Lessons are read once per call.
func (g *Generator) SystemPrompt() string {
	b := g.prompts.Get()

	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(b.Instructions))

	var lessons []string
	if g.lessons != nil {
		lessons = g.lessons.CurrentLessons()
	}
	if len(lessons) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimSpace(b.LessonHeader))
		for i, l := range lessons {
			fmt.Fprintf(&sb, "\n%d. %s", i+1, strings.TrimSpace(l))
		}
	}

	for _, ex := range b.Examples {
		fmt.Fprintf(&sb, "\n\nExample topic: %s\n```python\n%s\n```", ex.Topic, strings.TrimRight(ex.Code, "\n"))
	}
	return sb.String()
}

// Generate asks the model for a script continuing conv.
func (g *Generator) Generate(ctx context.Context, conv llm.Conversation) (*Artifact, error) {
	reply, err := g.client.Complete(ctx, llm.Request{
		System:      g.SystemPrompt(),
		Messages:    conv.Clone(),
		Temperature: g.opts.Temperature,
	})
	if err != nil {
		return nil, &Error{Kind: ErrGeneratorUnavailable, Cause: err}
	}

	code, ok := ExtractCode(reply)
	if !ok {
		g.log.Debug("model reply had no extractable code", "provider", g.client.Name(), "reply_len", len(reply))
		return nil, &Error{Kind: ErrNoCodeFound, RawOutput: reply}
	}
	return &Artifact{Code: code, RawOutput: reply}, nil
}

// PlanScene expands a topic into a scene description used as the first
// user message. The reply is expected in the topic's language.
func (g *Generator) PlanScene(ctx context.Context, topic, language string) (string, error) {
	b := g.prompts.Get()
	prompt := topic
	if language != "" {
		prompt = fmt.Sprintf("%s\n(language: %s)", topic, language)
	}
	reply, err := g.client.Complete(ctx, llm.Request{
		System:      strings.TrimSpace(b.ScenePrompt),
		Messages:    llm.Conversation{{Role: llm.RoleUser, Text: prompt}},
		Temperature: g.opts.Temperature,
		Model:       g.opts.SceneModel,
	})
	if err != nil {
		return "", &Error{Kind: ErrGeneratorUnavailable, Cause: err}
	}
	return strings.TrimSpace(reply), nil
}

// Summarize asks the model for a reusable lesson from a repaired episode.
// conv must end with the failing attempts; finalCode is the fix that ran.
func (g *Generator) Summarize(ctx context.Context, conv llm.Conversation, finalCode string) (string, error) {
	b := g.prompts.Get()
	msgs := conv.Append(llm.RoleModel, finalCode).Append(llm.RoleUser, strings.TrimSpace(b.LessonPrompt))

	reply, err := g.client.Complete(ctx, llm.Request{
		System:      strings.TrimSpace(b.Instructions),
		Messages:    msgs,
		Temperature: g.opts.Temperature,
	})
	if err != nil {
		return "", &Error{Kind: ErrGeneratorUnavailable, Cause: err}
	}
	lesson := strings.TrimSpace(reply)
	if lesson == "" {
		return "", fmt.Errorf("summarize: %w", llm.ErrEmptyResponse)
	}
	return lesson, nil
}
