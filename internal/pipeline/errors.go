package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownVar = errors.New("unknown variable")
	ErrNonScalar  = errors.New("variable is not a scalar")
	ErrUnclosed   = errors.New("unclosed ${")
	ErrInvalid    = errors.New("invalid pipeline")
)

// Error locates a problem in a pipeline file.
type Error struct {
	File  string
	Stage string
	Field string
	Err   error
}

func (e *Error) Error() string {
	msg := e.File
	if e.Stage != "" {
		msg += fmt.Sprintf(": stage %q", e.Stage)
	}
	if e.Field != "" {
		msg += ": " + e.Field
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func invalidf(file, stage, field, format string, args ...any) error {
	return &Error{File: file, Stage: stage, Field: field, Err: fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))}
}
