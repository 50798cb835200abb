package dag

import "container/heap"

// validateAcyclic runs Kahn's algorithm; when it cannot order every node a
// cycle exists and one witness is extracted for the error message.
func (g *Graph) validateAcyclic() error {
	if len(g.topoOrderIndices()) == len(g.nodes) {
		return nil
	}
	return cycleError(g.cycleWitness())
}

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// topoOrderIndices orders node indices topologically. The ready queue is a
// min-heap by canonical index, so the order is fixed for a given graph.
func (g *Graph) topoOrderIndices() []int {
	indeg := make([]int, len(g.indeg))
	copy(indeg, g.indeg)

	ready := &intMinHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]int, 0, len(indeg))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(int)
		out = append(out, n)
		for _, m := range g.outgoing[n] {
			indeg[m]--
			if indeg[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}
	return out
}

// cycleWitness walks the graph depth-first in canonical index order and
// returns the first cycle found as names, closed on its starting node
// (a -> b -> a).
func (g *Graph) cycleWitness() []string {
	const (
		unvisited = iota
		onStack
		done
	)

	color := make([]int, len(g.nodes))
	parent := make([]int, len(g.nodes))
	for i := range parent {
		parent[i] = -1
	}

	var back []int // v, u, parent(u), ..., v

	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = onStack
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case unvisited:
				parent[v] = u
				if visit(v) {
					return true
				}
			case onStack:
				back = append(back, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					back = append(back, cur)
				}
				back = append(back, v)
				return true
			}
		}
		color[u] = done
		return false
	}

	for i := range g.nodes {
		if color[i] == unvisited && visit(i) {
			break
		}
	}
	if len(back) == 0 {
		return nil
	}

	out := make([]string, 0, len(back))
	for i := len(back) - 1; i >= 0; i-- {
		out = append(out, g.nodes[back[i]].Name)
	}
	return out
}
