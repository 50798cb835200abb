package trace

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"meshpipe/internal/core"
	"meshpipe/internal/dag"
	"meshpipe/internal/lock"
)

// Sink receives trace events. Record must not panic or block.
type Sink interface {
	Record(event TraceEvent)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(TraceEvent) {}

// SafeRecord records an event, swallowing panics from a buggy sink.
func SafeRecord(s Sink, event TraceEvent) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Recorder is a concurrency-safe in-memory collector. Ordering is computed
// after collection, so recording order does not matter.
type Recorder struct {
	mu     sync.Mutex
	events []TraceEvent
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event TraceEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a copy of all recorded events.
func (r *Recorder) Snapshot() []TraceEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TraceEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Trace builds a canonicalized trace from the recorded events.
func (r *Recorder) Trace(pipelineHash string) ExecutionTrace {
	tr := ExecutionTrace{PipelineHash: pipelineHash, Events: r.Snapshot()}
	tr.Canonicalize()
	return tr
}

// Observer adapts a graph stage event into trace events on sink. outs maps
// stage names to their declared outputs.
func Observer(sink Sink, outs map[string][]string) dag.Observer {
	return func(ev dag.Event) {
		for _, te := range FromEvent(ev, outs[ev.Stage]) {
			SafeRecord(sink, te)
		}
	}
}

// FromEvent translates one terminal stage event.
func FromEvent(ev dag.Event, outs []string) []TraceEvent {
	var events []TraceEvent
	if ev.Result != nil {
		for _, reason := range ev.Result.Reasons {
			events = append(events, TraceEvent{Kind: EventStageStale, Stage: ev.Stage, Reason: reason})
		}
	}
	switch ev.State {
	case dag.StageUpToDate:
		events = append(events, TraceEvent{Kind: EventStageUpToDate, Stage: ev.Stage})
	case dag.StageCompleted:
		events = append(events, TraceEvent{Kind: EventStageExecuted, Stage: ev.Stage, Outs: outs})
	case dag.StageFailed:
		events = append(events, TraceEvent{Kind: EventStageFailed, Stage: ev.Stage, Reason: FailureReason(ev.Result)})
	case dag.StageSkipped:
		events = append(events, TraceEvent{Kind: EventStageSkipped, Stage: ev.Stage, Reason: "UpstreamFailed", CauseStage: ev.Cause})
	}
	return events
}

// FailureReason names why a stage failed: OutputMissing, DepMissing, Error or
// ExitCode<N>.
func FailureReason(res *dag.NodeResult) string {
	if res == nil {
		return "Unknown"
	}
	var missingOut *core.MissingOutputError
	var missingDep *lock.DepMissingError
	switch {
	case errors.As(res.Err, &missingOut):
		return "OutputMissing"
	case errors.As(res.Err, &missingDep):
		return "DepMissing"
	case res.Err != nil:
		return "Error"
	}
	return fmt.Sprintf("ExitCode%d", res.ExitCode)
}

// WriteFile writes the canonical JSON of tr to path.
func WriteFile(path string, tr ExecutionTrace) error {
	b, err := tr.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}

// HashFile returns the hash of a trace written by WriteFile.
func HashFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read trace: %w", err)
	}
	return ComputeTraceHash(bytes.TrimSuffix(b, []byte("\n"))), nil
}
