package dag

import "meshpipe/internal/core"

// GraphHash is the deterministic identity of a Graph.
//
// It only depends on stage definitions and dependency structure and is
// stable across declaration orders of stages and edges.
type GraphHash string

// DefinitionHash identifies a stage definition inside the graph: the stage
// hash plus its declared deps. Dep contents are not part of it.
type DefinitionHash string

// Edge is a dependency relation: To runs only after From succeeded or was
// found up to date.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Node is an immutable node in the Graph.
type Node struct {
	Name           string
	Stage          core.Stage
	DefinitionHash DefinitionHash
	canonicalIndex int
}

// CanonicalIndex returns the node's position in the graph's canonical ordering.
func (n *Node) CanonicalIndex() int { return n.canonicalIndex }

func (h GraphHash) String() string { return string(h) }

func (h DefinitionHash) String() string { return string(h) }
