package dag

import "sort"

// GetReadyStages returns the stages eligible to run, in scheduling order.
//
// A stage is ready iff it is PENDING and every upstream stage is COMPLETED
// or UP_TO_DATE. The list is sorted by (topological depth asc, name asc).
// Stages absent from state are outside the current selection and ignored.
//
// This function is pure: it does not mutate graph or state.
func GetReadyStages(g *Graph, state ExecutionState) []string {
	if g == nil {
		return nil
	}

	ready := make([]string, 0)
	for _, node := range g.nodes {
		if st, ok := state[node.Name]; !ok || st != StagePending {
			continue
		}

		depsOK := true
		for _, parentIdx := range g.incoming[node.canonicalIndex] {
			if !IsSuccessful(state[g.nodes[parentIdx].Name]) {
				depsOK = false
				break
			}
		}
		if depsOK {
			ready = append(ready, node.Name)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		ad, _ := g.Depth(a)
		bd, _ := g.Depth(b)
		if ad != bd {
			return ad < bd
		}
		return a < b
	})

	return ready
}
