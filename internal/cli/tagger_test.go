package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeTagger writes a grants-tagger stand-in that records its arguments and
// exits with $FAKE_TAGGER_EXIT.
func fakeTagger(t *testing.T, dir string) string {
	t.Helper()
	bin := filepath.Join(dir, "bin", "grants-tagger")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > \"$(dirname \"$0\")/args.txt\"\necho tagger running\nexit ${FAKE_TAGGER_EXIT:-0}\n"
	if err := os.MkdirAll(filepath.Dir(bin), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(bin, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake tagger: %v", err)
	}
	return bin
}

func TestPreprocessMesh_Print(t *testing.T) {
	dir := t.TempDir()
	res := runIn(t, dir, "preprocess", "mesh", "data/all.jsonl", "data/processed",
		"--test-size", "0.05", "--train-years", "2016-2018", "--test-years", "2021", "--print")
	expectCode(t, res, ExitSuccess)
	want := `grants-tagger preprocess mesh data/all.jsonl data/processed "" --test-size 0.05 --train-years 2016,2017,2018 --test-years 2021` + "\n"
	if res.stdout != want {
		t.Fatalf("unexpected command\n got: %s\nwant: %s", res.stdout, want)
	}
}

func TestPreprocessMesh_InvalidYears(t *testing.T) {
	dir := t.TempDir()
	expectCode(t, runIn(t, dir, "preprocess", "mesh", "in", "out", "--train-years", "20x6", "--print"), ExitInvalidInvocation)
	expectCode(t, runIn(t, dir, "preprocess", "mesh", "in", "out", "--train-years", "2020", "--test-years", "2020", "--print"), ExitInvalidInvocation)
}

func TestTrainBertmesh_PrintRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"profiles/base.yaml": "learning_rate: 5e-5\nwarmup_steps: 100\n"})

	res := runIn(t, dir, "train", "bertmesh", "data/processed", "--output-dir", "models/bertmesh",
		"--profile", "profiles/base.yaml",
		"--set", "learning_rate=1e-4",
		"--set", "wandb_api_key=hunter2",
		"--set", "save_total_limit=2",
		"--print")
	expectCode(t, res, ExitSuccess)
	for _, want := range []string{
		"grants-tagger train bertmesh \"\" data/processed --output_dir models/bertmesh",
		"--learning_rate 0.0001",
		"--warmup_steps 100",
		"--wandb_api_key REDACTED",
		"--save_total_limit 2",
	} {
		if !strings.Contains(res.stdout, want) {
			t.Fatalf("expected %q in %s", want, res.stdout)
		}
	}
	if strings.Contains(res.stdout, "hunter2") {
		t.Fatalf("secret leaked: %s", res.stdout)
	}
}

func TestTrainBertmesh_InvalidSet(t *testing.T) {
	dir := t.TempDir()
	expectCode(t, runIn(t, dir, "train", "bertmesh", "in", "--output-dir", "out", "--set", "novalue", "--print"), ExitInvalidInvocation)
	expectCode(t, runIn(t, dir, "train", "bertmesh", "in", "--output-dir", "out", "--set", "hidden_size=big", "--print"), ExitInvalidInvocation)
	expectCode(t, runIn(t, dir, "train", "bertmesh", "in", "--output-dir", "out", "--profile", "missing.yaml", "--print"), ExitInvalidInvocation)
}

func TestTaggerInvocation_RunsWithoutShellAndPassesExitCode(t *testing.T) {
	dir := t.TempDir()
	bin := fakeTagger(t, dir)

	res := runIn(t, dir, "--tagger-bin", bin, "preprocess", "mesh", "in file.jsonl", "out", "--test-size", "10")
	expectCode(t, res, ExitSuccess)
	if !strings.Contains(res.stdout, "tagger running") {
		t.Fatalf("expected tool output, got %q", res.stdout)
	}
	args := string(readFile(t, filepath.Join(dir, "bin", "args.txt")))
	want := "preprocess\nmesh\nin file.jsonl\nout\n\n--test-size\n10\n"
	if args != want {
		t.Fatalf("unexpected argv\n got: %q\nwant: %q", args, want)
	}

	t.Setenv("FAKE_TAGGER_EXIT", "5")
	expectCode(t, runIn(t, dir, "--tagger-bin", bin, "train", "bertmesh", "data", "--output-dir", "m"), 5)

	expectCode(t, runIn(t, dir, "--tagger-bin", filepath.Join(dir, "no-such-tagger"), "train", "bertmesh", "data", "--output-dir", "m"), ExitConfigError)
}
