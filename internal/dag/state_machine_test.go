package dag

import (
	"reflect"
	"testing"
)

func TestStateMachine_Transitions_ValidAndInvalid(t *testing.T) {
	state := ExecutionState{"A": StagePending}

	if err := Transition(state, "A", StagePending, StageRunning); err != nil {
		t.Fatalf("expected valid transition, got %v", err)
	}
	if err := Transition(state, "A", StageRunning, StageCompleted); err != nil {
		t.Fatalf("expected valid transition, got %v", err)
	}
	if err := Transition(state, "A", StageCompleted, StageRunning); err == nil {
		t.Fatalf("expected error for terminal -> RUNNING")
	}

	state["A"] = StageFailed
	if err := Transition(state, "A", StageFailed, StageRunning); err == nil {
		t.Fatalf("expected error for FAILED -> RUNNING")
	}

	state["A"] = StageUpToDate
	if err := Transition(state, "A", StageUpToDate, StageRunning); err == nil {
		t.Fatalf("expected error for UP_TO_DATE -> RUNNING")
	}

	state["A"] = StagePending
	if err := Transition(state, "A", StageRunning, StageCompleted); err == nil {
		t.Fatalf("expected error for mismatched prior state")
	}
	if err := Transition(state, "missing", StagePending, StageRunning); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestFailurePropagation_CascadeFailure_MarksDownstreamSkipped(t *testing.T) {
	g := mustGraph(t, stages("A", "B", "C", "D"), []Edge{{From: "A", To: "B"}, {From: "B", To: "C"}})

	state := ExecutionState{"A": StageRunning, "B": StagePending, "C": StagePending, "D": StagePending}

	skipped, err := FailAndPropagate(g, state, "A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state["A"] != StageFailed || state["B"] != StageSkipped || state["C"] != StageSkipped {
		t.Fatalf("unexpected state %v", state)
	}
	if state["D"] != StagePending {
		t.Fatalf("expected D unchanged pending, got %s", state["D"])
	}
	if len(skipped) != 2 {
		t.Fatalf("expected 2 skipped stages, got %v", skipped)
	}

	if got := GetReadyStages(g, state); !reflect.DeepEqual(got, []string{"D"}) {
		t.Fatalf("ready mismatch: got %v", got)
	}
}

func TestFailurePropagation_ProbeFailureFromPending(t *testing.T) {
	g := mustGraph(t, stages("A", "B"), []Edge{{From: "A", To: "B"}})
	state := ExecutionState{"A": StagePending, "B": StagePending}

	if _, err := FailAndPropagate(g, state, "A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state["A"] != StageFailed || state["B"] != StageSkipped {
		t.Fatalf("unexpected state %v", state)
	}
}

func TestFailurePropagation_Diamond_DownstreamSkippedNotFailed(t *testing.T) {
	g := mustGraph(t, stages("A", "B", "C", "D"),
		[]Edge{{From: "A", To: "B"}, {From: "A", To: "C"}, {From: "B", To: "D"}, {From: "C", To: "D"}})

	state := ExecutionState{"A": StageRunning, "B": StagePending, "C": StagePending, "D": StagePending}
	if _, err := FailAndPropagate(g, state, "A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, n := range []string{"B", "C", "D"} {
		if state[n] != StageSkipped {
			t.Fatalf("expected %s skipped, got %s", n, state[n])
		}
	}
}

func TestFailurePropagation_DetectsRunningDownstreamInvariantViolation(t *testing.T) {
	g := mustGraph(t, stages("A", "B"), []Edge{{From: "A", To: "B"}})
	state := ExecutionState{"A": StageRunning, "B": StageRunning}
	if _, err := FailAndPropagate(g, state, "A"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSkipPending_OnlyTouchesPending(t *testing.T) {
	g := mustGraph(t, stages("A", "B", "C"), nil)
	state := ExecutionState{"A": StageFailed, "B": StagePending, "C": StageCompleted}
	if got := SkipPending(g, state); !reflect.DeepEqual(got, []string{"B"}) {
		t.Fatalf("SkipPending = %v", got)
	}
	if state["A"] != StageFailed || state["C"] != StageCompleted {
		t.Fatalf("terminal states changed: %v", state)
	}
}
