package trace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ExecutionTrace is the canonical record of the decisions taken by one
// repro run.
//
// It contains logical decisions only: no timestamps, durations, exit
// messages or anything else that varies between identical runs. Two runs
// over the same pipeline and workspace state produce byte-identical
// canonical JSON regardless of the number of parallel jobs.
type ExecutionTrace struct {
	PipelineHash string
	Events       []TraceEvent
}

// TraceEventKind discriminates TraceEvent. The values are part of the
// canonical bytes.
type TraceEventKind string

const (
	EventStageStale    TraceEventKind = "StageStale"
	EventStageUpToDate TraceEventKind = "StageUpToDate"
	EventStageExecuted TraceEventKind = "StageExecuted"
	EventStageFailed   TraceEventKind = "StageFailed"
	EventStageSkipped  TraceEventKind = "StageSkipped"
)

// TraceEvent is a single decision about a stage.
//
// Empty Outs slices are normalized to nil and omitted; Outs are sorted.
type TraceEvent struct {
	Kind TraceEventKind

	Stage string

	// Reason is a stable reason code: a staleness reason for StageStale,
	// the failure kind for StageFailed.
	Reason string

	// CauseStage is the failed upstream stage behind a StageSkipped.
	CauseStage string

	// Outs are the outputs an executed stage produced.
	Outs []string
}

// Validate checks basic invariants and returns a descriptive error.
func (t *ExecutionTrace) Validate() error {
	if t == nil {
		return errors.New("trace is nil")
	}
	if t.PipelineHash == "" {
		return errors.New("pipelineHash is required")
	}
	for i, e := range t.Events {
		if e.Kind == "" {
			return fmt.Errorf("events[%d].kind is required", i)
		}
		if e.Stage == "" {
			return fmt.Errorf("events[%d].stage is required for kind %q", i, e.Kind)
		}
		if e.Kind == EventStageSkipped && e.CauseStage == "" {
			return fmt.Errorf("events[%d].causeStage is required for kind %q", i, e.Kind)
		}
		for j, o := range e.Outs {
			if o == "" {
				return fmt.Errorf("events[%d].outs[%d] is empty", i, j)
			}
		}
	}
	return nil
}

// Canonicalize normalizes and sorts the trace into its canonical form.
//
// Events are stably sorted by (stage, kindOrder, reason, causeStage, outs).
func (t *ExecutionTrace) Canonicalize() {
	if t == nil {
		return
	}
	for i := range t.Events {
		if len(t.Events[i].Outs) == 0 {
			t.Events[i].Outs = nil
			continue
		}
		outs := make([]string, len(t.Events[i].Outs))
		copy(outs, t.Events[i].Outs)
		sort.Strings(outs)
		t.Events[i].Outs = outs
	}

	sort.SliceStable(t.Events, func(i, j int) bool {
		a := t.Events[i]
		b := t.Events[j]

		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if kindOrder(a.Kind) != kindOrder(b.Kind) {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.Reason != b.Reason {
			return a.Reason < b.Reason
		}
		if a.CauseStage != b.CauseStage {
			return a.CauseStage < b.CauseStage
		}
		return lessStrings(a.Outs, b.Outs)
	})
}

func kindOrder(k TraceEventKind) int {
	switch k {
	case EventStageStale:
		return 10
	case EventStageUpToDate:
		return 20
	case EventStageExecuted:
		return 30
	case EventStageFailed:
		return 40
	case EventStageSkipped:
		return 50
	default:
		return 1000
	}
}

func lessStrings(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// CanonicalJSON returns the canonical JSON encoding of a canonicalized copy
// of the trace.
func (t ExecutionTrace) CanonicalJSON() ([]byte, error) {
	cp := ExecutionTrace{PipelineHash: t.PipelineHash}
	cp.Events = make([]TraceEvent, len(t.Events))
	copy(cp.Events, t.Events)
	cp.Canonicalize()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(&cp)
}

// Hash returns the sha256 hex of the canonical JSON bytes.
func (t ExecutionTrace) Hash() (string, error) {
	b, err := t.CanonicalJSON()
	if err != nil {
		return "", err
	}
	return ComputeTraceHash(b), nil
}

// MarshalJSON fixes field order. It does not sort; see CanonicalJSON.
func (t ExecutionTrace) MarshalJSON() ([]byte, error) {
	if t.PipelineHash == "" {
		return nil, errors.New("pipelineHash is required")
	}
	var buf bytes.Buffer
	buf.WriteString(`{"pipelineHash":`)
	ph, _ := json.Marshal(t.PipelineHash)
	buf.Write(ph)

	buf.WriteString(`,"events":[`)
	for i := range t.Events {
		if i > 0 {
			buf.WriteByte(',')
		}
		eb, err := json.Marshal(t.Events[i])
		if err != nil {
			return nil, err
		}
		buf.Write(eb)
	}
	buf.WriteString("]}")
	return buf.Bytes(), nil
}

// MarshalJSON fixes field order and omits empty optional fields.
func (e TraceEvent) MarshalJSON() ([]byte, error) {
	if e.Kind == "" {
		return nil, errors.New("kind is required")
	}
	var outs []string
	if len(e.Outs) > 0 {
		outs = make([]string, len(e.Outs))
		copy(outs, e.Outs)
		sort.Strings(outs)
	}

	var buf bytes.Buffer
	writeField := func(name, value string) {
		if value == "" {
			return
		}
		buf.WriteString(`,"` + name + `":`)
		b, _ := json.Marshal(value)
		buf.Write(b)
	}

	buf.WriteString(`{"kind":`)
	kb, _ := json.Marshal(string(e.Kind))
	buf.Write(kb)
	writeField("stage", e.Stage)
	writeField("reason", e.Reason)
	writeField("causeStage", e.CauseStage)
	if len(outs) > 0 {
		buf.WriteString(`,"outs":`)
		ob, _ := json.Marshal(outs)
		buf.Write(ob)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
