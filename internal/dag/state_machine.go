package dag

import (
	"container/heap"
	"fmt"
)

// IsTerminal reports whether the state is terminal (finished).
func IsTerminal(s StageState) bool {
	switch s {
	case StageCompleted, StageFailed, StageSkipped, StageUpToDate:
		return true
	default:
		return false
	}
}

// IsSuccessful reports whether the state satisfies downstream dependencies.
func IsSuccessful(s StageState) bool {
	return s == StageCompleted || s == StageUpToDate
}

// Transition performs a validated transition for a single stage.
//
// The caller supplies the expected prior state (from) to make races
// observable. The map is mutated only if the transition is valid.
func Transition(state ExecutionState, stage string, from, to StageState) error {
	cur, ok := state[stage]
	if !ok {
		return fmt.Errorf("unknown stage in state: %q", stage)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", stage, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", stage, from, to)
	}
	state[stage] = to
	return nil
}

func isAllowedTransition(from, to StageState) bool {
	switch from {
	case StagePending:
		return to == StageRunning || to == StageUpToDate || to == StageSkipped || to == StageFailed
	case StageRunning:
		return to == StageCompleted || to == StageFailed
	default:
		return false
	}
}

// FailAndPropagate marks stage FAILED (from RUNNING or PENDING) and
// transitively marks every pending downstream stage SKIPPED. It returns the
// newly skipped stages in canonical order.
//
// A RUNNING downstream stage is an invariant violation: it means a stage was
// dispatched before its upstream finished.
func FailAndPropagate(g *Graph, state ExecutionState, stage string) ([]string, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	node, ok := g.nodesByName[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage: %q", stage)
	}

	cur, ok := state[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage in state: %q", stage)
	}
	switch cur {
	case StageRunning, StagePending:
		state[stage] = StageFailed
	case StageFailed:
	default:
		return nil, fmt.Errorf("cannot fail %q from state %s", stage, cur)
	}

	start := node.canonicalIndex
	visited := make([]bool, len(g.nodes))
	visited[start] = true

	hq := &intMinHeap{}
	for _, d := range g.outgoing[start] {
		heap.Push(hq, d)
	}

	var skipped []string
	for hq.Len() > 0 {
		u := heap.Pop(hq).(int)
		if visited[u] {
			continue
		}
		visited[u] = true

		name := g.nodes[u].Name
		st, ok := state[name]
		if !ok {
			// Outside the selected targets.
			continue
		}

		switch st {
		case StagePending:
			state[name] = StageSkipped
			skipped = append(skipped, name)
		case StageRunning:
			return skipped, fmt.Errorf("invariant violation: downstream stage %q is RUNNING during failure propagation", name)
		}

		for _, v := range g.outgoing[u] {
			if !visited[v] {
				heap.Push(hq, v)
			}
		}
	}

	return skipped, nil
}

// SkipPending marks every remaining PENDING stage SKIPPED and returns them
// in canonical order. Used to stop after the first failure.
func SkipPending(g *Graph, state ExecutionState) []string {
	var skipped []string
	for _, n := range g.nodes {
		if st, ok := state[n.Name]; ok && st == StagePending {
			state[n.Name] = StageSkipped
			skipped = append(skipped, n.Name)
		}
	}
	return skipped
}
