package runner

import (
	"context"
	"fmt"

	"meshpipe/internal/dag"
	"meshpipe/internal/lock"
)

// PlanStatus is the dry-run verdict for a stage.
type PlanStatus string

const (
	PlanUpToDate      PlanStatus = "up-to-date"
	PlanStale         PlanStatus = "stale"
	PlanStaleUpstream PlanStatus = "stale(upstream)"
	PlanBlocked       PlanStatus = "blocked"
)

// PlanEntry describes what repro would do with one stage.
type PlanEntry struct {
	Stage   string
	Status  PlanStatus
	Reasons []string

	// Upstream lists the stale or blocked parents behind a
	// stale(upstream) or blocked status.
	Upstream []string

	// Err is set when the stage cannot be evaluated, such as a missing dep.
	Err error
}

// Plan evaluates the selected stages in topological order without running
// anything.
func Plan(ctx context.Context, g *dag.Graph, r *StageRunner, targets []string) ([]PlanEntry, error) {
	order, err := g.Upstream(targets)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]PlanStatus, len(order))
	entries := make([]PlanEntry, 0, len(order))
	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node, _ := g.Node(name)
		entry := PlanEntry{Stage: name}

		var stale, blocked []string
		for _, parent := range g.Parents(name) {
			switch statuses[parent] {
			case PlanStale, PlanStaleUpstream:
				stale = append(stale, parent)
			case PlanBlocked:
				blocked = append(blocked, parent)
			}
		}
		switch {
		case len(blocked) > 0:
			entry.Status = PlanBlocked
			entry.Upstream = blocked
		case len(stale) > 0:
			entry.Status = PlanStaleUpstream
			entry.Upstream = stale
			if r.forced(name) {
				entry.Reasons = []string{string(lock.Forced)}
			}
		default:
			status, _, err := r.Status(ctx, &node.Stage)
			switch {
			case err != nil:
				entry.Status = PlanBlocked
				entry.Err = err
			case status.Stale:
				entry.Status = PlanStale
				entry.Reasons = status.Strings()
			default:
				entry.Status = PlanUpToDate
			}
		}
		statuses[name] = entry.Status
		entries = append(entries, entry)
	}
	return entries, nil
}

// String renders the entry as a status line.
func (e PlanEntry) String() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %s (%v)", e.Stage, e.Status, e.Err)
	case len(e.Reasons) > 0:
		return fmt.Sprintf("%s: %s %v", e.Stage, e.Status, e.Reasons)
	case len(e.Upstream) > 0:
		return fmt.Sprintf("%s: %s %v", e.Stage, e.Status, e.Upstream)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Status)
}
