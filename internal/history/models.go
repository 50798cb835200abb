package history

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunStatus is the outcome of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one repro invocation.
type Run struct {
	ID           string
	PipelineHash string
	Targets      []string
	Jobs         int
	Force        bool
	StartedAt    time.Time
	FinishedAt   time.Time // zero while running
	Status       RunStatus
}

// Validate checks the fields StartRun needs.
func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.PipelineHash) == "" {
		errs = append(errs, errors.New("pipeline_hash is required"))
	}
	if r.Jobs < 0 {
		errs = append(errs, errors.New("jobs must be >= 0"))
	}
	switch r.Status {
	case "", RunRunning, RunSucceeded, RunFailed, RunCancelled:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	return errors.Join(errs...)
}

// StageRun is the terminal state of one stage in a run.
type StageRun struct {
	RunID    string
	Stage    string
	State    string
	Hash     string
	ExitCode int
	Duration time.Duration
	Reasons  []string
	LogPath  string
	Error    string
	// Seq orders stages within a run; assigned by RecordStage.
	Seq int
}
