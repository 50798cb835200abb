package dag

import (
	"testing"

	"go.uber.org/goleak"

	"meshpipe/internal/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stages builds one stage per name with a distinct command and dep.
func stages(names ...string) []core.Stage {
	out := make([]core.Stage, 0, len(names))
	for _, n := range names {
		out = append(out, core.Stage{Name: n, Cmd: "run-" + n, Deps: []string{"data/" + n}})
	}
	return out
}

func mustGraph(t *testing.T, s []core.Stage, edges []Edge) *Graph {
	t.Helper()
	g, err := NewGraph(s, edges)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}
