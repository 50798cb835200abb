package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"meshpipe/internal/core"
)

type edgeIndex struct {
	from int
	to   int
}

// Graph is an immutable, validated stage DAG.
//
// It is safe for concurrent read access.
type Graph struct {
	nodesByName map[string]*Node
	nodes       []*Node // canonical order

	edges []edgeIndex // sorted

	outgoing [][]int // by canonical index, sorted ascending
	incoming [][]int // by canonical index, sorted ascending
	indeg    []int   // by canonical index
	depth    []int   // by canonical index (topological depth)

	hash GraphHash
}

// NewGraph builds and validates a Graph.
//
// Validation runs immediately and rejects:
//   - empty or duplicate stage names
//   - edges referencing unknown stages
//   - duplicate edges
//   - self-loops
//   - any cycle (direct or indirect)
func NewGraph(stages []core.Stage, edges []Edge) (*Graph, error) {
	if len(stages) == 0 {
		return nil, invalidf("no stages")
	}

	nodesByName := make(map[string]*Node, len(stages))
	nodes := make([]*Node, 0, len(stages))

	for i := range stages {
		s := stages[i]
		if s.Name == "" {
			return nil, invalidf("stage name is required")
		}
		if _, exists := nodesByName[s.Name]; exists {
			return nil, invalidf("duplicate stage name: %q", s.Name)
		}
		node := &Node{Name: s.Name, Stage: s, DefinitionHash: computeDefinitionHash(&s)}
		nodesByName[s.Name] = node
		nodes = append(nodes, node)
	}

	// Canonical order: definition hash, then name as tie-breaker.
	sort.Slice(nodes, func(i, j int) bool {
		ai, aj := nodes[i], nodes[j]
		if ai.DefinitionHash != aj.DefinitionHash {
			return ai.DefinitionHash < aj.DefinitionHash
		}
		return ai.Name < aj.Name
	})
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	mapped := make([]edgeIndex, 0, len(edges))
	seen := make(map[edgeIndex]struct{}, len(edges))
	for _, e := range edges {
		fromNode, okFrom := nodesByName[e.From]
		toNode, okTo := nodesByName[e.To]
		if !okFrom {
			return nil, invalidf("edge references unknown stage (from): %q", e.From)
		}
		if !okTo {
			return nil, invalidf("edge references unknown stage (to): %q", e.To)
		}
		if fromNode == toNode {
			return nil, invalidf("self-loop: %q -> %q", e.From, e.To)
		}

		pair := edgeIndex{from: fromNode.canonicalIndex, to: toNode.canonicalIndex}
		if _, exists := seen[pair]; exists {
			return nil, invalidf("duplicate edge: %q -> %q", e.From, e.To)
		}
		seen[pair] = struct{}{}
		mapped = append(mapped, pair)
	}

	sort.Slice(mapped, func(i, j int) bool {
		a, b := mapped[i], mapped[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	outgoing := make([][]int, len(nodes))
	incoming := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, e := range mapped {
		outgoing[e.from] = append(outgoing[e.from], e.to)
		incoming[e.to] = append(incoming[e.to], e.from)
		indeg[e.to]++
	}
	for i := range outgoing {
		sort.Ints(outgoing[i])
		sort.Ints(incoming[i])
	}

	g := &Graph{
		nodesByName: nodesByName,
		nodes:       nodes,
		edges:       mapped,
		outgoing:    outgoing,
		incoming:    incoming,
		indeg:       indeg,
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}

	g.depth = g.computeDepth()
	g.hash = g.computeGraphHash()
	return g, nil
}

// Hash returns the stable identity for this graph.
func (g *Graph) Hash() GraphHash { return g.hash }

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.nodes) }

// Node returns a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodesByName[name]
	return n, ok
}

// Nodes returns the nodes in canonical order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns the dependency edges as (From, To) name pairs in canonical order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
	}
	return out
}

// Parents returns the direct upstream stages of name, sorted by name.
func (g *Graph) Parents(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	return g.names(g.incoming[n.canonicalIndex])
}

// Children returns the direct downstream stages of name, sorted by name.
func (g *Graph) Children(name string) []string {
	n, ok := g.nodesByName[name]
	if !ok {
		return nil
	}
	return g.names(g.outgoing[n.canonicalIndex])
}

func (g *Graph) names(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.nodes[i].Name)
	}
	sort.Strings(out)
	return out
}

// Upstream returns targets plus every stage they transitively depend on,
// in topological order. An empty target list selects the whole graph.
func (g *Graph) Upstream(targets []string) ([]string, error) {
	if len(targets) == 0 {
		return g.TopologicalOrder(), nil
	}
	in := make([]bool, len(g.nodes))
	stack := make([]int, 0, len(targets))
	for _, t := range targets {
		n, ok := g.nodesByName[t]
		if !ok {
			return nil, unknownTarget(t)
		}
		stack = append(stack, n.canonicalIndex)
	}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if in[u] {
			continue
		}
		in[u] = true
		stack = append(stack, g.incoming[u]...)
	}
	out := make([]string, 0, len(g.nodes))
	for _, idx := range g.topoOrderIndices() {
		if in[idx] {
			out = append(out, g.nodes[idx].Name)
		}
	}
	return out, nil
}

// Depth returns the topological depth of the given stage.
//
// Depth is the length of the longest path from any root to the node.
func (g *Graph) Depth(name string) (int, bool) {
	n, ok := g.nodesByName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

func (g *Graph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	for _, u := range g.topoOrderIndices() {
		maxParent := 0
		for _, p := range g.incoming[u] {
			if cand := depth[p] + 1; cand > maxParent {
				maxParent = cand
			}
		}
		depth[u] = maxParent
	}
	return depth
}

// TopologicalOrder returns a deterministic topological ordering of stage names.
func (g *Graph) TopologicalOrder() []string {
	order := g.topoOrderIndices()
	names := make([]string, 0, len(order))
	for _, idx := range order {
		names = append(names, g.nodes[idx].Name)
	}
	return names
}

func (g *Graph) computeGraphHash() GraphHash {
	h := sha256.New()

	writeInt := func(n int) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n))
		core.WriteField(h, b[:])
	}

	writeInt(len(g.nodes))
	for _, n := range g.nodes {
		core.WriteField(h, []byte(n.DefinitionHash))
	}

	writeInt(len(g.edges))
	for _, e := range g.edges {
		writeInt(e.from)
		writeInt(e.to)
	}

	return GraphHash(hex.EncodeToString(h.Sum(nil)))
}
