package sandbox

import (
	"errors"
	"io"
	"testing"
)

func TestOutcome_Succeeded(t *testing.T) {
	tests := []struct {
		name    string
		outcome *Outcome
		want    bool
	}{
		{"stdout only", &Outcome{Stdout: "https://cdn/v.mp4\n"}, true},
		{"stdout and stderr", &Outcome{Stdout: "https://cdn/v.mp4", Stderr: "DeprecationWarning: x"}, true},
		{"stdout with nonzero exit", &Outcome{Stdout: "/out/a.png", ExitCode: 1}, true},
		{"stderr only", &Outcome{Stderr: "Traceback (most recent call last)"}, false},
		{"blank stdout", &Outcome{Stdout: "  \n\t"}, false},
		{"empty", &Outcome{}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.Succeeded(); got != tt.want {
				t.Errorf("Succeeded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOutcome_ArtifactLocation(t *testing.T) {
	o := &Outcome{Stdout: "rendering...\nhttps://cdn/v.mp4\n\n"}
	if got := o.ArtifactLocation(); got != "https://cdn/v.mp4" {
		t.Errorf("ArtifactLocation() = %q", got)
	}
	if got := (&Outcome{}).ArtifactLocation(); got != "" {
		t.Errorf("ArtifactLocation() on empty = %q", got)
	}
}

func TestOutcome_FailureReason(t *testing.T) {
	if got := (&Outcome{Stderr: "  NameError: x \n"}).FailureReason(); got != "NameError: x" {
		t.Errorf("FailureReason() = %q", got)
	}
	if got := (&Outcome{ExitCode: 2}).FailureReason(); got != "script exited with code 2 and printed nothing" {
		t.Errorf("FailureReason() = %q", got)
	}
	if got := (&Outcome{}).FailureReason(); got != "script printed nothing to stdout" {
		t.Errorf("FailureReason() = %q", got)
	}
}

func TestUnavailable(t *testing.T) {
	err := Unavailable(io.ErrUnexpectedEOF)
	if !errors.Is(err, ErrUnavailable) {
		t.Error("errors.Is(err, ErrUnavailable) = false")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("cause should stay reachable")
	}
}
