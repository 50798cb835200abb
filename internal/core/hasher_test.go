package core

import "testing"

func TestStageHash_IdenticalDefinitionsProduceSameHash(t *testing.T) {
	hasher := NewStageHasher()

	a := &Stage{
		Name: "train",
		Cmd:  "grants-tagger train bertmesh '' data/processed --output_dir models/bertmesh",
		Env:  map[string]string{"WANDB_PROJECT": "mesh", "A": "1"},
		Outs: []Out{{Path: "models/bertmesh"}, {Path: "metrics.json"}},
	}
	b := &Stage{
		Name: "train-copy",
		Cmd:  a.Cmd,
		Env:  map[string]string{"A": "1", "WANDB_PROJECT": "mesh"},
		Outs: []Out{{Path: "metrics.json"}, {Path: "models/bertmesh"}},
	}

	if hasher.Compute(a) != hasher.Compute(b) {
		t.Fatal("equivalent definitions produced different hashes")
	}
}

func TestStageHash_CommandChangeInvalidatesHash(t *testing.T) {
	hasher := NewStageHasher()
	a := &Stage{Cmd: "grants-tagger train bertmesh '' in --learning_rate 5e-5"}
	b := &Stage{Cmd: "grants-tagger train bertmesh '' in --learning_rate 1e-4"}
	if hasher.Compute(a) == hasher.Compute(b) {
		t.Fatal("command change did not invalidate hash")
	}
}

func TestStageHash_EnvChangeInvalidatesHash(t *testing.T) {
	hasher := NewStageHasher()
	base := &Stage{Cmd: "run", Env: map[string]string{"KEY": "v1"}}
	changed := &Stage{Cmd: "run", Env: map[string]string{"KEY": "v2"}}
	added := &Stage{Cmd: "run", Env: map[string]string{"KEY": "v1", "NEW": "x"}}

	h := hasher.Compute(base)
	if h == hasher.Compute(changed) {
		t.Error("env value change did not invalidate hash")
	}
	if h == hasher.Compute(added) {
		t.Error("adding env variable did not invalidate hash")
	}
}

func TestStageHash_PersistFlagIsPartOfIdentity(t *testing.T) {
	hasher := NewStageHasher()
	a := &Stage{Cmd: "run", Outs: []Out{{Path: "out"}}}
	b := &Stage{Cmd: "run", Outs: []Out{{Path: "out", Persist: true}}}
	if hasher.Compute(a) == hasher.Compute(b) {
		t.Fatal("persist flag did not affect hash")
	}
}

func TestStageHash_FieldBoundariesAreUnambiguous(t *testing.T) {
	hasher := NewStageHasher()
	a := &Stage{Cmd: "run", Env: map[string]string{"AB": "C"}}
	b := &Stage{Cmd: "run", Env: map[string]string{"A": "BC"}}
	if hasher.Compute(a) == hasher.Compute(b) {
		t.Fatal("length prefixing failed to separate env key/value")
	}
}

func TestEnvHash_OrderIndependent(t *testing.T) {
	a := EnvHash(map[string]string{"X": "1", "Y": "2"})
	b := EnvHash(map[string]string{"Y": "2", "X": "1"})
	if a != b {
		t.Fatal("env hash depends on map order")
	}
	if a == EnvHash(nil) {
		t.Fatal("non-empty env hashed like empty env")
	}
}
