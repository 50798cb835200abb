package lock

import (
	"fmt"

	"meshpipe/internal/core"
)

// Code classifies why a stage is stale.
type Code string

const (
	NeverRun       Code = "never_run"
	CommandChanged Code = "command_changed"
	EnvChanged     Code = "env_changed"
	DepChanged     Code = "dep_changed"
	DepAdded       Code = "dep_added"
	DepRemoved     Code = "dep_removed"
	OutMissing     Code = "out_missing"
	OutChanged     Code = "out_changed"
	Forced         Code = "forced"
)

// Reason is one cause of staleness. Path is set for dep and out reasons.
type Reason struct {
	Code Code
	Path string
}

func (r Reason) String() string {
	if r.Path == "" {
		return string(r.Code)
	}
	return fmt.Sprintf("%s: %s", r.Code, r.Path)
}

// Status is the outcome of Check.
type Status struct {
	Stale   bool
	Reasons []Reason
}

// Strings renders the reasons for display.
func (s Status) Strings() []string {
	out := make([]string, 0, len(s.Reasons))
	for _, r := range s.Reasons {
		out = append(out, r.String())
	}
	return out
}

// ForcedStatus is reported for stages run regardless of their state.
func ForcedStatus() Status {
	return Status{Stale: true, Reasons: []Reason{{Code: Forced}}}
}

// DepMissingError reports a declared dep that does not exist. It is an error
// rather than a staleness reason: nothing can make the stage up to date.
type DepMissingError struct {
	Stage string
	Path  string
}

func (e *DepMissingError) Error() string {
	return fmt.Sprintf("stage %q: dependency %s does not exist", e.Stage, e.Path)
}

// Observed is the current state of a stage's paths. Deps holds one digest
// per declared dep. Outs holds the outputs that exist, keyed by path.
type Observed struct {
	Deps []core.Digest
	Outs map[string]core.Digest
}

// Check compares a stage and its observed paths with the recorded entry.
func Check(stage *core.Stage, entry *Entry, obs Observed) Status {
	if entry == nil {
		return Status{Stale: true, Reasons: []Reason{{Code: NeverRun}}}
	}
	var reasons []Reason

	envHash := ""
	if len(stage.Env) > 0 {
		envHash = core.EnvHash(stage.Env)
	}
	envChanged := envHash != entry.EnvHash
	hashChanged := core.NewStageHasher().Compute(stage) != entry.Hash
	if entry.Cmd != stage.Display() || (hashChanged && !envChanged) {
		reasons = append(reasons, Reason{Code: CommandChanged})
	}
	if envChanged {
		reasons = append(reasons, Reason{Code: EnvChanged})
	}

	recorded := make(map[string]core.Digest, len(entry.Deps))
	for _, d := range entry.Deps {
		recorded[d.Path] = d
	}
	current := make(map[string]bool, len(obs.Deps))
	for _, d := range obs.Deps {
		current[d.Path] = true
		prev, ok := recorded[d.Path]
		switch {
		case !ok:
			reasons = append(reasons, Reason{Code: DepAdded, Path: d.Path})
		case prev.Hash != d.Hash:
			reasons = append(reasons, Reason{Code: DepChanged, Path: d.Path})
		}
	}
	for _, d := range entry.Deps {
		if !current[d.Path] {
			reasons = append(reasons, Reason{Code: DepRemoved, Path: d.Path})
		}
	}

	recordedOuts := make(map[string]core.Digest, len(entry.Outs))
	for _, d := range entry.Outs {
		recordedOuts[d.Path] = d
	}
	for _, o := range stage.Outs {
		got, ok := obs.Outs[o.Path]
		if !ok {
			reasons = append(reasons, Reason{Code: OutMissing, Path: o.Path})
			continue
		}
		if prev, ok := recordedOuts[o.Path]; ok && prev.Hash != got.Hash {
			reasons = append(reasons, Reason{Code: OutChanged, Path: o.Path})
		}
	}

	return Status{Stale: len(reasons) > 0, Reasons: reasons}
}
