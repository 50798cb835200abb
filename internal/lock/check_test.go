package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"meshpipe/internal/core"
)

func testStage() *core.Stage {
	return &core.Stage{
		Name: "preprocess",
		Cmd:  "grants-tagger preprocess mesh in.jsonl out \"\"",
		Deps: []string{"in.jsonl"},
		Outs: []core.Out{{Path: "out"}},
		Env:  map[string]string{"A": "1"},
	}
}

func observed() Observed {
	return Observed{
		Deps: []core.Digest{{Path: "in.jsonl", Hash: "d1"}},
		Outs: map[string]core.Digest{"out": {Path: "out", Hash: "o1"}},
	}
}

func codes(s Status) []Code {
	var out []Code
	for _, r := range s.Reasons {
		out = append(out, r.Code)
	}
	return out
}

func TestCheck_UpToDate(t *testing.T) {
	st := testStage()
	obs := observed()
	e := NewEntry(st, obs.Deps, []core.Digest{obs.Outs["out"]})

	s := Check(st, e, obs)
	assert.False(t, s.Stale)
	assert.Empty(t, s.Reasons)
}

func TestCheck_NeverRun(t *testing.T) {
	s := Check(testStage(), nil, observed())
	assert.True(t, s.Stale)
	assert.Equal(t, []Code{NeverRun}, codes(s))
}

func TestCheck_Reasons(t *testing.T) {
	base := testStage()
	obs := observed()
	entry := NewEntry(base, obs.Deps, []core.Digest{obs.Outs["out"]})

	tests := []struct {
		name   string
		mutate func(st *core.Stage, obs *Observed)
		want   []Reason
	}{
		{
			name:   "command",
			mutate: func(st *core.Stage, _ *Observed) { st.Cmd += " --test-size 5" },
			want:   []Reason{{Code: CommandChanged}},
		},
		{
			name:   "env",
			mutate: func(st *core.Stage, _ *Observed) { st.Env = map[string]string{"A": "2"} },
			want:   []Reason{{Code: EnvChanged}},
		},
		{
			name:   "persist flag",
			mutate: func(st *core.Stage, _ *Observed) { st.Outs = []core.Out{{Path: "out", Persist: true}} },
			want:   []Reason{{Code: CommandChanged}},
		},
		{
			name:   "dep content",
			mutate: func(_ *core.Stage, obs *Observed) { obs.Deps = []core.Digest{{Path: "in.jsonl", Hash: "d2"}} },
			want:   []Reason{{Code: DepChanged, Path: "in.jsonl"}},
		},
		{
			name: "dep added and removed",
			mutate: func(st *core.Stage, obs *Observed) {
				st.Deps = []string{"other.jsonl"}
				obs.Deps = []core.Digest{{Path: "other.jsonl", Hash: "x"}}
			},
			want: []Reason{{Code: DepAdded, Path: "other.jsonl"}, {Code: DepRemoved, Path: "in.jsonl"}},
		},
		{
			name:   "out missing",
			mutate: func(_ *core.Stage, obs *Observed) { obs.Outs = nil },
			want:   []Reason{{Code: OutMissing, Path: "out"}},
		},
		{
			name:   "out edited",
			mutate: func(_ *core.Stage, obs *Observed) { obs.Outs = map[string]core.Digest{"out": {Path: "out", Hash: "o2"}} },
			want:   []Reason{{Code: OutChanged, Path: "out"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := testStage()
			o := observed()
			tt.mutate(st, &o)
			s := Check(st, entry, o)
			assert.True(t, s.Stale)
			assert.Equal(t, tt.want, s.Reasons)
		})
	}
}

func TestCheck_RedactedSecretChangeIsCommandChange(t *testing.T) {
	st := testStage()
	st.Cmd = "train --wandb_api_key one"
	st.DisplayCmd = "train --wandb_api_key REDACTED"
	obs := observed()
	entry := NewEntry(st, obs.Deps, []core.Digest{obs.Outs["out"]})
	assert.Equal(t, "train --wandb_api_key REDACTED", entry.Cmd)

	st.Cmd = "train --wandb_api_key two"
	assert.Equal(t, []Code{CommandChanged}, codes(Check(st, entry, obs)))
}

func TestStatus_Strings(t *testing.T) {
	s := Status{Stale: true, Reasons: []Reason{{Code: DepChanged, Path: "a"}, {Code: Forced}}}
	assert.Equal(t, []string{"dep_changed: a", "forced"}, s.Strings())
	assert.Equal(t, []Code{Forced}, codes(ForcedStatus()))
}
