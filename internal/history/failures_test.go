package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		class     FailureClass
		code      string
		stage     string
		retryable bool
	}{
		{name: "graph", err: &GraphFailureError{Code: "Cycle", Message: "a -> b -> a"}, class: FailureClassGraph, code: "Cycle"},
		{name: "workspace", err: &WorkspaceFailureError{Message: "lock unreadable"}, class: FailureClassWorkspace, code: "WorkspaceFailure"},
		{name: "execution", err: &ExecutionFailureError{Stage: "train", Code: "ExitCode", Message: "exit 1"}, class: FailureClassExecution, code: "ExitCode", stage: "train", retryable: true},
		{name: "system", err: &SystemFailureError{Code: "Interrupted", Message: "signal"}, class: FailureClassSystem, code: "Interrupted", retryable: true},
		{name: "wrapped", err: fmt.Errorf("repro: %w", &GraphFailureError{Code: "UnknownTarget", Message: "x"}), class: FailureClassGraph, code: "UnknownTarget"},
		{name: "unknown", err: context.Canceled, class: FailureClassSystem, code: "UnknownError", retryable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Classify(tt.err)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.Class != tt.class || f.Code != tt.code || f.Stage != tt.stage || f.Retryable != tt.retryable {
				t.Fatalf("unexpected failure: %#v", f)
			}
			if f.Message == "" {
				t.Fatalf("empty message")
			}
		})
	}
}

func TestClassify_Nil(t *testing.T) {
	if _, err := Classify(nil); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFailureErrors_Unwrap(t *testing.T) {
	cause := errors.New("root")
	err := &ExecutionFailureError{Stage: "s", Message: "m", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
	if got, want := err.Error(), "execution failure stage=s: m"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
