package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultTailSize is how much of a command's stderr is kept for failure
// reports. Full output always goes to the stage log file.
const DefaultTailSize = 64 << 10

// ExecutionResult contains the outcome of a single process execution.
type ExecutionResult struct {
	// ExitCode is the process exit code. 0 indicates success.
	ExitCode int

	// StderrTail is the last TailSize bytes of stderr.
	StderrTail []byte

	// Duration is the wall time between start and exit.
	Duration time.Duration

	// LogPath is where combined stdout/stderr was written, if anywhere.
	LogPath string
}

// ProcessExecutor runs stage commands and tool invocations.
//
// Unlike a hermetic build runner the external tool needs the host
// environment (PATH, CUDA_*, WANDB_API_KEY), so the child inherits BaseEnv
// with the stage's declared env layered on top.
type ProcessExecutor struct {
	// WorkingDir is the directory commands run in.
	WorkingDir string

	// Shell interprets stage commands. Defaults to "sh".
	Shell string

	// BaseEnv is the inherited environment. Nil means os.Environ().
	BaseEnv []string

	// Stdout and Stderr receive live output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer

	// TailSize overrides DefaultTailSize when positive.
	TailSize int
}

// NewProcessExecutor creates an executor rooted at workingDir.
func NewProcessExecutor(workingDir string) *ProcessExecutor {
	return &ProcessExecutor{WorkingDir: workingDir}
}

// Execute runs stage.Cmd through the shell.
func (e *ProcessExecutor) Execute(ctx context.Context, stage *Stage, logPath string) (*ExecutionResult, error) {
	if stage == nil {
		return nil, fmt.Errorf("stage is nil")
	}
	if strings.TrimSpace(stage.Cmd) == "" {
		return nil, fmt.Errorf("stage %q: cmd is empty", stage.Name)
	}
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.Command(shell, "-c", stage.Cmd)
	return e.run(ctx, cmd, stage.Env, logPath)
}

// ExecuteArgv runs argv directly, without a shell.
func (e *ProcessExecutor) ExecuteArgv(ctx context.Context, argv []string, env map[string]string, logPath string) (*ExecutionResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("argv is empty")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	return e.run(ctx, cmd, env, logPath)
}

func (e *ProcessExecutor) run(ctx context.Context, cmd *exec.Cmd, env map[string]string, logPath string) (*ExecutionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.Dir = e.WorkingDir
	cmd.Env = MergeEnv(e.baseEnv(), env)

	// Own process group so cancellation reaches everything the tool spawns
	// (dataloader workers, torch compile subprocesses).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	tail := newTailBuffer(e.tailSize())
	stdouts := []io.Writer{}
	stderrs := []io.Writer{tail}
	if e.Stdout != nil {
		stdouts = append(stdouts, e.Stdout)
	}
	if e.Stderr != nil {
		stderrs = append(stderrs, e.Stderr)
	}

	var logFile *os.File
	if logPath != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.Create(logPath)
		if err != nil {
			return nil, fmt.Errorf("creating log file: %w", err)
		}
		defer f.Close()
		logFile = f
		// Both streams share the file; serialize writes.
		shared := &lockedWriter{w: f}
		stdouts = append(stdouts, shared)
		stderrs = append(stderrs, shared)
	}
	cmd.Stdout = io.MultiWriter(stdouts...)
	cmd.Stderr = io.MultiWriter(stderrs...)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	if logFile != nil {
		_ = logFile.Sync()
	}

	return &ExecutionResult{
		ExitCode:   exitCode,
		StderrTail: tail.Bytes(),
		Duration:   time.Since(start),
		LogPath:    logPath,
	}, nil
}

func (e *ProcessExecutor) baseEnv() []string {
	if e.BaseEnv != nil {
		return e.BaseEnv
	}
	return os.Environ()
}

func (e *ProcessExecutor) tailSize() int {
	if e.TailSize > 0 {
		return e.TailSize
	}
	return DefaultTailSize
}

// MergeEnv layers overrides on top of base. Later keys win; the result is
// sorted by key.
func MergeEnv(base []string, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}
	if over := len(t.buf) + n - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	t.buf = append(t.buf, p...)
	return n, nil
}

func (t *tailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, len(t.buf))
	copy(out, t.buf)
	return out
}
