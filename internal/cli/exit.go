package cli

import (
	"context"
	"errors"
	"fmt"

	"meshpipe/internal/dag"
	"meshpipe/internal/pipeline"
)

const (
	ExitSuccess           = 0
	ExitStageFailure      = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError carries the exit code for an error.
type InvocationError struct {
	ExitCode int
	Message  string
	Err      error
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" && e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *InvocationError) Unwrap() error { return e.Err }

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func invalidInvocation(err error) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Err: err}
}

func configError(err error) error {
	return &InvocationError{ExitCode: ExitConfigError, Err: err}
}

// ToolExitError is a direct grants-tagger invocation that exited non-zero.
// The tool's exit code is passed through.
type ToolExitError struct {
	Code int
}

func (e *ToolExitError) Error() string {
	return fmt.Sprintf("grants-tagger exited with code %d", e.Code)
}

// StageFailureError reports the stages that failed or were skipped in a
// repro.
type StageFailureError struct {
	Failed  []string
	Skipped []string
}

func (e *StageFailureError) Error() string {
	if len(e.Skipped) == 0 {
		return fmt.Sprintf("failed stages: %v", e.Failed)
	}
	return fmt.Sprintf("failed stages: %v (skipped: %v)", e.Failed, e.Skipped)
}

// ExitCode maps an error onto a semantic exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	var toolErr *ToolExitError
	if errors.As(err, &toolErr) && toolErr.Code > 0 {
		return toolErr.Code
	}
	var stageErr *StageFailureError
	if errors.As(err, &stageErr) || errors.Is(err, context.Canceled) {
		return ExitStageFailure
	}
	var pipeErr *pipeline.Error
	if errors.Is(err, dag.ErrUnknownTarget) {
		return ExitInvalidInvocation
	}
	if errors.As(err, &pipeErr) || errors.Is(err, dag.ErrInvalidGraph) || errors.Is(err, dag.ErrCycleFound) {
		return ExitConfigError
	}
	return ExitInternalError
}
