// Package dag schedules pipeline stages in dependency order.
//
// It is split into:
//   - Immutable graph definition (Graph): stages + dependency structure + stable GraphHash
//   - Mutable execution state (ExecutionState): per-run stage states and results
//
// The graph identity (GraphHash) is computed from stage definitions and the
// canonicalized edge structure, so it does not depend on declaration order.
// Staleness is not decided here: the Runner probes each stage once all of its
// upstream stages have finished.
package dag
