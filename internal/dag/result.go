package dag

import (
	"sort"
	"time"

	"meshpipe/internal/core"
)

// NodeResult is the outcome of probing or running a single stage.
type NodeResult struct {
	Hash core.StageHash

	ExitCode   int
	StderrTail []byte
	LogPath    string
	Duration   time.Duration

	// Reasons explains why the stage was considered stale.
	Reasons []string

	// Err is a stage-level failure not expressed by the exit code: a missing
	// dep, a declared output the command did not produce, a process that
	// could not start.
	Err error
}

// Succeeded reports whether the stage finished cleanly.
func (r *NodeResult) Succeeded() bool {
	return r != nil && r.Err == nil && r.ExitCode == 0
}

// Event is emitted once per stage when it reaches a terminal state.
type Event struct {
	Stage  string
	State  StageState
	Result *NodeResult // nil for SKIPPED

	// Cause is the failed stage that led to a SKIPPED state.
	Cause string
}

// Observer receives terminal stage events. It is called from the
// coordinating goroutine, never concurrently.
type Observer func(Event)

// GraphResult is the summary of one execution attempt.
type GraphResult struct {
	GraphHash GraphHash

	// FinalState is the terminal state of each selected stage.
	FinalState ExecutionState

	// ExecutionOrder lists stages in the order they entered RUNNING.
	ExecutionOrder []string

	// Results holds the probe or run result of every stage that has one.
	Results map[string]*NodeResult
}

// Failed returns the FAILED stages sorted by name.
func (r *GraphResult) Failed() []string { return r.withState(StageFailed) }

// Skipped returns the SKIPPED stages sorted by name.
func (r *GraphResult) Skipped() []string { return r.withState(StageSkipped) }

// OK reports whether every selected stage completed or was up to date.
func (r *GraphResult) OK() bool {
	for _, st := range r.FinalState {
		if !IsSuccessful(st) {
			return false
		}
	}
	return true
}

func (r *GraphResult) withState(want StageState) []string {
	var out []string
	for name, st := range r.FinalState {
		if st == want {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
