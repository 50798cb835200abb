package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"meshpipe/internal/core"
	"meshpipe/internal/dag"
	"meshpipe/internal/lock"
)

// Executor runs one stage command.
type Executor interface {
	Execute(ctx context.Context, stage *core.Stage, logPath string) (*core.ExecutionResult, error)
}

// StageRunner implements dag.Runner on top of the lock file.
type StageRunner struct {
	Lock     *lock.Lock
	Store    *lock.Store // nil keeps the lock in memory only
	Resolver *core.DepResolver
	Outputs  *core.Outputs
	Exec     Executor

	// LogDir receives <stage>.log files. Empty disables per-stage logs.
	LogDir string

	// ForceAll runs every stage; Force runs the named ones.
	ForceAll bool
	Force    map[string]bool

	Logger *zap.Logger

	mu     sync.Mutex
	probes map[string]probed
	saveMu sync.Mutex
}

type probed struct {
	deps    []core.Digest
	reasons []string
}

// New creates a runner for stages working in baseDir.
func New(baseDir string, l *lock.Lock, store *lock.Store, exec Executor, logger *zap.Logger) *StageRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StageRunner{
		Lock:     l,
		Store:    store,
		Resolver: core.NewDepResolver(baseDir),
		Outputs:  core.NewOutputs(baseDir),
		Exec:     exec,
		Logger:   logger,
	}
}

var _ dag.Runner = (*StageRunner)(nil)

// Status digests the stage's paths and compares them with the lock.
func (r *StageRunner) Status(ctx context.Context, stage *core.Stage) (lock.Status, []core.Digest, error) {
	deps := make([]core.Digest, 0, len(stage.Deps))
	for _, p := range stage.Deps {
		d, err := r.Resolver.Digest(ctx, p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return lock.Status{}, nil, &lock.DepMissingError{Stage: stage.Name, Path: p}
			}
			return lock.Status{}, nil, err
		}
		deps = append(deps, d)
	}
	if r.forced(stage.Name) {
		return lock.ForcedStatus(), deps, nil
	}
	outs := make(map[string]core.Digest, len(stage.Outs))
	for _, o := range stage.Outs {
		d, err := r.Resolver.Digest(ctx, o.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return lock.Status{}, nil, err
		}
		outs[o.Path] = d
	}
	return lock.Check(stage, r.Lock.Get(stage.Name), lock.Observed{Deps: deps, Outs: outs}), deps, nil
}

func (r *StageRunner) forced(name string) bool {
	return r.ForceAll || r.Force[name]
}

// Probe implements dag.Runner.
func (r *StageRunner) Probe(ctx context.Context, stage *core.Stage) (*dag.NodeResult, bool, error) {
	status, deps, err := r.Status(ctx, stage)
	if err != nil {
		return nil, false, err
	}
	hash := core.NewStageHasher().Compute(stage)
	if !status.Stale {
		r.Logger.Debug("stage up to date", zap.String("stage", stage.Name))
		return &dag.NodeResult{Hash: hash}, true, nil
	}
	reasons := status.Strings()
	r.Logger.Info("stage stale", zap.String("stage", stage.Name), zap.Strings("reasons", reasons))

	r.mu.Lock()
	if r.probes == nil {
		r.probes = map[string]probed{}
	}
	r.probes[stage.Name] = probed{deps: deps, reasons: reasons}
	r.mu.Unlock()
	return &dag.NodeResult{Hash: hash, Reasons: reasons}, false, nil
}

// Run implements dag.Runner. A non-zero exit or a missing output is reported
// in the result; the error return is kept for failures to run at all.
func (r *StageRunner) Run(ctx context.Context, stage *core.Stage) (*dag.NodeResult, error) {
	r.mu.Lock()
	p, ok := r.probes[stage.Name]
	delete(r.probes, stage.Name)
	r.mu.Unlock()
	if !ok {
		status, deps, err := r.Status(ctx, stage)
		if err != nil {
			return nil, err
		}
		p = probed{deps: deps, reasons: status.Strings()}
	}

	if err := r.Outputs.Clean(stage.Outs); err != nil {
		return nil, err
	}
	if err := r.Outputs.Prepare(stage.Outs); err != nil {
		return nil, err
	}

	logPath := ""
	if r.LogDir != "" {
		logPath = filepath.Join(r.LogDir, stage.Name+".log")
	}
	r.Logger.Info("running stage", zap.String("stage", stage.Name), zap.String("cmd", stage.Display()))
	res, err := r.Exec.Execute(ctx, stage, logPath)
	if err != nil {
		return nil, err
	}
	nr := &dag.NodeResult{
		Hash:       core.NewStageHasher().Compute(stage),
		ExitCode:   res.ExitCode,
		StderrTail: res.StderrTail,
		LogPath:    res.LogPath,
		Duration:   res.Duration,
		Reasons:    p.reasons,
	}
	if res.ExitCode != 0 {
		r.Logger.Warn("stage failed",
			zap.String("stage", stage.Name),
			zap.Int("exit_code", res.ExitCode),
			zap.Duration("duration", res.Duration))
		return nr, nil
	}
	if err := r.Outputs.Verify(stage.Name, stage.Outs); err != nil {
		nr.Err = err
		return nr, nil
	}

	outs, err := r.Resolver.DigestAll(ctx, stage.OutPaths())
	if err != nil {
		nr.Err = fmt.Errorf("digest outputs: %w", err)
		return nr, nil
	}
	r.Lock.Put(stage.Name, lock.NewEntry(stage, p.deps, outs))
	if err := r.save(); err != nil {
		nr.Err = err
		return nr, nil
	}
	r.Logger.Info("stage completed", zap.String("stage", stage.Name), zap.Duration("duration", res.Duration))
	return nr, nil
}

func (r *StageRunner) save() error {
	if r.Store == nil {
		return nil
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	return r.Store.Save(r.Lock)
}
