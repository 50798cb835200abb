package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshpipe/internal/core"
	"meshpipe/internal/dag"
)

// writeTree writes files below a temp dir and returns the path of
// pipeline.yaml inside it.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return filepath.Join(dir, DefaultFile)
}

func loadString(t *testing.T, src string) (*Pipeline, error) {
	t.Helper()
	return Load(writeTree(t, map[string]string{DefaultFile: src}), Options{})
}

func TestLoad_ShippedPipeline(t *testing.T) {
	p, err := Load(filepath.Join("..", "..", DefaultFile), Options{})
	require.NoError(t, err)

	assert.Equal(t, []string{"convert", "label_counts", "preprocess", "train"}, p.Names())

	pre, ok := p.Stage("preprocess")
	require.True(t, ok)
	assert.Equal(t, KindPreprocess, pre.Kind)
	assert.Equal(t,
		`grants-tagger preprocess mesh data/raw/allMeSH_2021.jsonl data/processed "" --test-size 25000 --train-years 2016,2017,2018,2019 --test-years 2020,2021`,
		pre.Cmd)
	assert.Equal(t, []string{"data/raw/allMeSH_2021.jsonl"}, pre.Deps)
	assert.Equal(t, []core.Out{{Path: "data/processed"}}, pre.Outs)

	train, ok := p.Stage("train")
	require.True(t, ok)
	assert.Equal(t, KindTrain, train.Kind)
	assert.Equal(t, train.Deps[0], pre.Outs[0].Path, "train reads what preprocess writes")
	assert.Contains(t, train.Deps, "profiles/bertmesh-base.yaml")
	assert.Equal(t, []core.Out{{Path: "models/bertmesh", Persist: true}}, train.Outs)
	assert.Equal(t, map[string]string{"WANDB_PROJECT": "wellcome-mesh"}, train.Env)
	assert.Equal(t, []string{"grants-tagger", "train", "bertmesh", "", "data/processed", "--output_dir", "models/bertmesh"}, train.Argv[:7])

	counts, _ := p.Stage("label_counts")
	assert.Equal(t, "meshpipe labels count data/raw/allMeSH_2021.jsonl data/labels/mesh.count --train-years 2016,2017,2018,2019 --min-examples 15", counts.Cmd)

	assert.Equal(t, []dag.Edge{
		{From: "convert", To: "label_counts"},
		{From: "convert", To: "preprocess"},
		{From: "preprocess", To: "train"},
	}, p.Edges())

	g, err := p.Graph()
	require.NoError(t, err)
	assert.Equal(t, []string{"convert", "label_counts", "preprocess", "train"}, g.TopologicalOrder())
	assert.Len(t, p.Files(), 3)
}

func TestLoad_CmdListOutsAndEnv(t *testing.T) {
	p, err := loadString(t, `
vars:
  - name: world
    dir: out
stages:
  hello:
    cmd:
      - mkdir -p ${dir}
      - echo hello ${name} > ${dir}/greeting.txt
    outs:
      - path: ${dir}
        persist: true
      - logs/hello.log
    env:
      GREETING: ${name}
`)
	require.NoError(t, err)
	s, _ := p.Stage("hello")
	assert.Equal(t, KindCmd, s.Kind)
	assert.Equal(t, "mkdir -p out && echo hello world > out/greeting.txt", s.Cmd)
	assert.Equal(t, []core.Out{{Path: "out", Persist: true}, {Path: "logs/hello.log"}}, s.Outs)
	assert.Equal(t, map[string]string{"GREETING": "world"}, s.Env)
	assert.Empty(t, s.DisplayCmd)
}

func TestLoad_VarsIncludesOverrideInOrder(t *testing.T) {
	path := writeTree(t, map[string]string{
		"params.yaml": "train:\n  epochs: 5\n  output_dir: models/a\nyears: [2016, 2017]\n",
		DefaultFile: `
vars:
  - params.yaml
  - train:
      epochs: 7
stages:
  s:
    cmd: run --epochs ${train.epochs} --out ${train.output_dir} --years ${ years }
`,
	})
	p, err := Load(path, Options{})
	require.NoError(t, err)
	s, _ := p.Stage("s")
	assert.Equal(t, "run --epochs 7 --out models/a --years 2016,2017", s.Cmd)
	assert.Equal(t, []string{filepath.Join(filepath.Dir(path), "params.yaml")}, p.Includes)
	assert.Equal(t, []string{"train.epochs", "train.output_dir", "years"}, p.Vars.Names())
}

func TestLoad_InterpolationErrorsNameStageAndField(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
		is    error
	}{
		{
			name:  "unknown",
			src:   "stages:\n  s:\n    cmd: echo\n    outs:\n      - ${missing}\n",
			field: "outs[0]",
			is:    ErrUnknownVar,
		},
		{
			name:  "non scalar",
			src:   "vars:\n  - a: {b: 1}\nstages:\n  s:\n    cmd: echo ${a}\n",
			field: "cmd",
			is:    ErrNonScalar,
		},
		{
			name:  "unclosed",
			src:   "stages:\n  s:\n    cmd: echo\n    env:\n      X: ${oops\n",
			field: "env.X",
			is:    ErrUnclosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadString(t, tt.src)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.is)
			var perr *Error
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, "s", perr.Stage)
			assert.Equal(t, tt.field, perr.Field)
		})
	}
}

func TestLoad_WholeReferenceKeepsType(t *testing.T) {
	p, err := loadString(t, `
vars:
  - ts: 0.05
    years: [2020]
stages:
  pre:
    preprocess:
      input: in.jsonl
      output_dir: out
      test_size: "${ts}"
      test_years: ${years}
`)
	require.NoError(t, err)
	s, _ := p.Stage("pre")
	assert.Equal(t, 0.05, s.Preprocess.TestSize)
	assert.Contains(t, s.Cmd, "--test-size 0.05 --test-years 2020")
	assert.Equal(t, []string{"in.jsonl"}, s.Deps)
}

func TestLoad_TrainSecretIsRedactedForDisplay(t *testing.T) {
	p, err := loadString(t, `
stages:
  train:
    train:
      input: data/processed
      output_dir: models/x
      wandb_api_key: s3cret
`)
	require.NoError(t, err)
	s, _ := p.Stage("train")
	assert.Contains(t, s.Cmd, "s3cret")
	assert.NotContains(t, s.Display(), "s3cret")
	assert.Contains(t, s.Display(), "--wandb_api_key REDACTED")
}

func TestLoad_CustomTaggerBinary(t *testing.T) {
	path := writeTree(t, map[string]string{DefaultFile: "stages:\n  p:\n    preprocess:\n      input: a\n      output_dir: b\n"})
	p, err := Load(path, Options{TaggerBin: "/opt/bin/grants-tagger"})
	require.NoError(t, err)
	s, _ := p.Stage("p")
	assert.Equal(t, "/opt/bin/grants-tagger", s.Argv[0])
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{name: "empty", src: "", want: "empty file"},
		{name: "no stages", src: "vars: []\n", want: "stages"},
		{name: "unknown top-level key", src: "stage:\n  s:\n    cmd: x\n", want: "stage"},
		{name: "unknown stage key", src: "stages:\n  s:\n    cmd: x\n    dep: [a]\n", want: "unknown keys: dep"},
		{name: "no command", src: "stages:\n  s:\n    deps: [a]\n", want: "exactly one of"},
		{name: "two commands", src: "stages:\n  s:\n    cmd: x\n    preprocess: {input: a, output_dir: b}\n", want: "exactly one of"},
		{name: "bad name", src: "stages:\n  \"a b\":\n    cmd: x\n", want: "invalid stage name"},
		{name: "duplicate stage", src: "stages:\n  s:\n    cmd: x\n  s:\n    cmd: y\n", want: "defined twice"},
		{name: "shared out", src: "stages:\n  a:\n    cmd: x\n    outs: [out]\n  b:\n    cmd: y\n    outs: [./out]\n", want: "already an output"},
		{name: "overlapping outs", src: "stages:\n  a:\n    cmd: x\n    outs: [data]\n  b:\n    cmd: y\n    outs: [data/sub]\n", want: "overlaps"},
		{name: "own out as dep", src: "stages:\n  a:\n    cmd: x\n    deps: [out/x]\n    outs: [out]\n", want: "own output"},
		{name: "root out", src: "stages:\n  a:\n    cmd: x\n    outs: [.]\n", want: "invalid path"},
		{name: "parent out", src: "stages:\n  a:\n    cmd: x\n    outs: [\"..\"]\n", want: "not inside the project"},
		{name: "sibling out", src: "stages:\n  a:\n    cmd: x\n    outs: [../other]\n", want: "not inside the project"},
		{name: "escaping out", src: "stages:\n  a:\n    cmd: x\n    outs: [data/../../x]\n", want: "not inside the project"},
		{name: "filesystem root out", src: "stages:\n  a:\n    cmd: x\n    outs: [/]\n", want: "invalid path"},
		{name: "bad typed block", src: "stages:\n  a:\n    preprocess: {input: a}\n", want: "output_dir is required"},
		{name: "bad out mapping", src: "stages:\n  a:\n    cmd: x\n    outs:\n      - {path: o, cache: false}\n", want: "cache"},
		{name: "missing include", src: "vars: [nope.yaml]\nstages:\n  a:\n    cmd: x\n", want: "read vars"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadString(t, tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_RejectsOutsContainingTheProject(t *testing.T) {
	path := writeTree(t, map[string]string{DefaultFile: "stages:\n  a:\n    cmd: x\n    outs: [out]\n"})
	dir, err := filepath.Abs(filepath.Dir(path))
	require.NoError(t, err)

	for _, out := range []string{dir, filepath.Dir(dir), filepath.Join(dir, "..", filepath.Base(dir))} {
		src := "stages:\n  a:\n    cmd: x\n    outs:\n      - " + out + "\n"
		_, err := Parse([]byte(src), filepath.Join(dir, DefaultFile), Options{})
		require.Error(t, err, out)
		assert.Contains(t, err.Error(), "not inside the project", out)
	}

	p, err := Parse([]byte("stages:\n  a:\n    cmd: x\n    outs:\n      - "+filepath.Join(dir, "models")+"\n"), filepath.Join(dir, DefaultFile), Options{})
	require.NoError(t, err)
	assert.Len(t, p.Stages[0].Outs, 1)
}

func TestEdges_NestedDepAndHashStability(t *testing.T) {
	src := `
stages:
  make:
    cmd: mkdir -p data/processed && touch data/processed/train.jsonl
    outs: [data/processed]
  use:
    cmd: wc -l data/processed/train.jsonl
    deps: [data/processed/train.jsonl, data/processed/train.jsonl]
  sibling:
    cmd: cat data/processed-old
    deps: [data/processed-old]
`
	p, err := loadString(t, src)
	require.NoError(t, err)
	assert.Equal(t, []dag.Edge{{From: "make", To: "use"}}, p.Edges())

	h1, err := p.Hash()
	require.NoError(t, err)
	again, err := loadString(t, src)
	require.NoError(t, err)
	h2, err := again.Hash()
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestLoad_CycleIsReported(t *testing.T) {
	p, err := loadString(t, "stages:\n  a:\n    cmd: x\n    deps: [b.txt]\n    outs: [a.txt]\n  b:\n    cmd: y\n    deps: [a.txt]\n    outs: [b.txt]\n")
	require.NoError(t, err)
	_, err = p.Graph()
	assert.ErrorIs(t, err, dag.ErrCycleFound)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), Options{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWatchPaths_SkipsGeneratedDeps(t *testing.T) {
	src := `
vars:
  - params.yaml
stages:
  convert:
    cmd: meshpipe data convert ${raw} data/all.jsonl
    deps:
      - ${raw}
    outs: [data/all.jsonl]
  count:
    cmd: meshpipe labels count data/all.jsonl data/labels.count
    deps: [data/all.jsonl, scripts]
    outs: [data/labels.count]
`
	path := writeTree(t, map[string]string{
		"params.yaml": "raw: data/raw.json\n",
		DefaultFile:   src,
	})
	p, err := Load(path, Options{})
	require.NoError(t, err)
	dir := filepath.Dir(path)

	assert.Equal(t, []string{
		path,
		filepath.Join(dir, "params.yaml"),
		filepath.Join(dir, "data/raw.json"),
		filepath.Join(dir, "scripts"),
	}, p.WatchPaths())

	assert.True(t, p.Generated("data/all.jsonl"))
	assert.True(t, p.Generated(filepath.Join(dir, "data/labels.count")))
	assert.False(t, p.Generated("data/raw.json"))
	assert.False(t, p.Generated(filepath.Join(filepath.Dir(dir), "elsewhere")))
}
