package history

import (
	"errors"
	"fmt"
)

// FailureClass is the coarse category of a run failure.
type FailureClass string

const (
	FailureClassGraph     FailureClass = "graph"
	FailureClassWorkspace FailureClass = "workspace"
	FailureClassExecution FailureClass = "execution"
	FailureClassSystem    FailureClass = "system"
)

// GraphFailureError is an invalid pipeline: bad definition, cycle, unknown
// target. Re-running without editing the pipeline fails the same way.
type GraphFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *GraphFailureError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("graph failure: %s", e.Message)
}

func (e *GraphFailureError) Unwrap() error { return e.Cause }

// WorkspaceFailureError is a broken working directory: unreadable lock file,
// missing input data.
type WorkspaceFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *WorkspaceFailureError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("workspace failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("workspace failure: %s", e.Message)
}

func (e *WorkspaceFailureError) Unwrap() error { return e.Cause }

// ExecutionFailureError is a stage that ran and failed.
type ExecutionFailureError struct {
	Stage   string
	Code    string
	Message string
	Cause   error
}

func (e *ExecutionFailureError) Error() string {
	switch {
	case e.Stage != "" && e.Code != "":
		return fmt.Sprintf("execution failure stage=%s (%s): %s", e.Stage, e.Code, e.Message)
	case e.Stage != "":
		return fmt.Sprintf("execution failure stage=%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("execution failure: %s", e.Message)
}

func (e *ExecutionFailureError) Unwrap() error { return e.Cause }

// SystemFailureError is an interruption or an internal error.
type SystemFailureError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SystemFailureError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("system failure (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("system failure: %s", e.Message)
}

func (e *SystemFailureError) Unwrap() error { return e.Cause }

// Failure is the recorded classification of a run error.
type Failure struct {
	Class   FailureClass
	Stage   string
	Code    string
	Message string

	// Retryable is true when running again unchanged may succeed.
	Retryable bool
}

// Classify maps err onto the failure taxonomy. Unknown errors are system
// failures.
func Classify(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var gf *GraphFailureError
	if errors.As(err, &gf) {
		return Failure{
			Class:   FailureClassGraph,
			Code:    nonEmptyOr(gf.Code, "GraphFailure"),
			Message: nonEmptyOr(gf.Message, gf.Error()),
		}, nil
	}

	var wf *WorkspaceFailureError
	if errors.As(err, &wf) {
		return Failure{
			Class:   FailureClassWorkspace,
			Code:    nonEmptyOr(wf.Code, "WorkspaceFailure"),
			Message: nonEmptyOr(wf.Message, wf.Error()),
		}, nil
	}

	var ef *ExecutionFailureError
	if errors.As(err, &ef) {
		return Failure{
			Class:     FailureClassExecution,
			Stage:     ef.Stage,
			Code:      nonEmptyOr(ef.Code, "ExecutionFailure"),
			Message:   nonEmptyOr(ef.Message, ef.Error()),
			Retryable: true,
		}, nil
	}

	var sf *SystemFailureError
	if errors.As(err, &sf) {
		return Failure{
			Class:     FailureClassSystem,
			Code:      nonEmptyOr(sf.Code, "SystemFailure"),
			Message:   nonEmptyOr(sf.Message, sf.Error()),
			Retryable: true,
		}, nil
	}

	return Failure{
		Class:     FailureClassSystem,
		Code:      "UnknownError",
		Message:   err.Error(),
		Retryable: true,
	}, nil
}

func nonEmptyOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
