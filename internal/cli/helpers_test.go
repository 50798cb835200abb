package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
)

const chainPipeline = `stages:
  gen:
    cmd: mkdir -p out && wc -c < in.txt > out/a.txt
    deps: [in.txt]
    outs: [out]
  use:
    cmd: wc -c < out/a.txt > result.txt
    deps: [out/a.txt]
    outs: [result.txt]
`

// lockedBuffer can be read while a command is still writing to it.
type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

type result struct {
	code   int
	stdout string
	stderr string
}

func runIn(t *testing.T, dir string, args ...string) result {
	t.Helper()
	return runCtx(t, context.Background(), dir, args...)
}

func runCtx(t *testing.T, ctx context.Context, dir string, args ...string) result {
	t.Helper()
	var stdout, stderr lockedBuffer
	app := &App{Stdout: &stdout, Stderr: &stderr, Dir: dir, Logger: zaptest.NewLogger(t)}
	code := RunApp(ctx, app, args)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func workspace(t *testing.T, pipelineYAML string) string {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"pipeline.yaml": pipelineYAML,
		"in.txt":        "hello\n",
	})
	return dir
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}

func expectCode(t *testing.T, res result, want int) {
	t.Helper()
	if res.code != want {
		t.Fatalf("expected exit %d, got %d\nstdout:\n%s\nstderr:\n%s", want, res.code, res.stdout, res.stderr)
	}
}
