package mock

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/obot-platform/scriptsmith/server/internal/sandbox"
)

func TestRunner_ScriptedOrder(t *testing.T) {
	r := NewRunner(Fail("boom"), Succeed("https://cdn/v.mp4"))
	ctx := context.Background()

	first, _ := r.Run(ctx, "a")
	second, _ := r.Run(ctx, "b")
	third, _ := r.Run(ctx, "c")

	if first.Succeeded() {
		t.Error("first result should fail")
	}
	if !second.Succeeded() || !third.Succeeded() {
		t.Error("last result should repeat")
	}
	if got := r.Calls(); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("Calls() = %v", got)
	}
}

func TestRunner_Unavailable(t *testing.T) {
	r := NewRunner(Unavailable(io.EOF))
	if _, err := r.Run(context.Background(), "x"); !errors.Is(err, sandbox.ErrUnavailable) {
		t.Errorf("Run() error = %v", err)
	}
}

func TestRunner_NoResults(t *testing.T) {
	out, err := NewRunner().Run(context.Background(), "x")
	if err != nil || out.Succeeded() {
		t.Errorf("Run() = %+v, %v", out, err)
	}
}
