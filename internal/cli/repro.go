package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"meshpipe/internal/core"
	"meshpipe/internal/dag"
	"meshpipe/internal/history"
	"meshpipe/internal/lock"
	"meshpipe/internal/pipeline"
	"meshpipe/internal/runner"
	"meshpipe/internal/trace"
	"meshpipe/internal/watch"
)

type reproOptions struct {
	force     bool
	dryRun    bool
	watch     bool
	keepGoing bool
	failFast  bool
	jobs      int
	trace     string
}

func newReproCommand(app *App) *cobra.Command {
	var opts reproOptions
	cmd := &cobra.Command{
		Use:   "repro [stages...]",
		Short: "Run stale stages in dependency order",
		Long: `Runs the named stages and everything upstream of them, or the whole
pipeline when no stage is named. Stages whose command, env, deps and outs match
pipeline.lock are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("jobs") {
				opts.jobs = app.Config.Jobs
			}
			if opts.jobs < 1 {
				return invalidInvocationf("--jobs must be at least 1 (got %d)", opts.jobs)
			}
			if opts.watch {
				return app.watch(cmd.Context(), args, opts)
			}
			_, err := app.repro(cmd.Context(), args, opts)
			return err
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.force, "force", false, "run the selected stages even if up to date")
	f.BoolVar(&opts.dryRun, "dry-run", false, "print what would run without running it")
	f.BoolVar(&opts.watch, "watch", false, "rerun when deps or the pipeline change")
	f.BoolVar(&opts.keepGoing, "keep-going", true, "keep running branches independent of a failed stage")
	f.BoolVar(&opts.failFast, "fail-fast", false, "stop scheduling after the first failure")
	f.IntVarP(&opts.jobs, "jobs", "j", 1, "independent stages to run at once")
	f.StringVar(&opts.trace, "trace", "", "write a decision trace to this file")
	cmd.MarkFlagsMutuallyExclusive("keep-going", "fail-fast")
	cmd.MarkFlagsMutuallyExclusive("watch", "dry-run")
	return cmd
}

// repro runs the pipeline once and returns the pipeline it loaded.
func (app *App) repro(ctx context.Context, targets []string, opts reproOptions) (*pipeline.Pipeline, error) {
	log := app.logger()
	var hist *history.Recorder
	if !opts.dryRun {
		hist = app.openHistory()
	}
	if hist != nil {
		defer hist.Close()
	}
	// History writes must land even when ctx is cancelled mid-run.
	hctx := context.WithoutCancel(ctx)

	p, g, err := app.loadPipeline()
	if err != nil {
		app.recordEarly(hctx, hist, targets, opts, &history.GraphFailureError{Code: "PipelineInvalid", Message: err.Error(), Cause: err})
		return nil, err
	}
	if _, err := g.Upstream(targets); err != nil {
		return p, invalidInvocation(err)
	}

	store, err := lock.NewStore(app.Config.LockFile)
	if err != nil {
		return p, configError(err)
	}
	l, err := store.Load()
	if err != nil {
		app.recordEarly(hctx, hist, targets, opts, &history.WorkspaceFailureError{Code: "LockUnreadable", Message: err.Error(), Cause: err})
		return p, configError(err)
	}

	exec := core.NewProcessExecutor(p.Dir)
	exec.Stdout = app.Stdout
	exec.Stderr = app.Stderr
	r := runner.New(p.Dir, l, store, exec, log)
	r.LogDir = app.Config.LogDir
	r.ForceAll = opts.force

	if opts.dryRun {
		entries, err := runner.Plan(ctx, g, r, targets)
		if err != nil {
			return p, err
		}
		for _, e := range entries {
			app.printf("%s\n", e)
		}
		return p, nil
	}

	if len(targets) == 0 {
		if dropped := l.Prune(p.Names()); len(dropped) > 0 {
			log.Info("pruned lock entries", zap.Strings("stages", dropped))
			if err := store.Save(l); err != nil {
				return p, err
			}
		}
	}

	run := history.Run{
		PipelineHash: g.Hash().String(),
		Targets:      targets,
		Jobs:         opts.jobs,
		Force:        opts.force,
	}
	if hist != nil {
		started, err := hist.StartRun(hctx, run)
		if err != nil {
			log.Warn("history disabled", zap.Error(err))
			hist = nil
		} else {
			run = started
			log.Debug("run started", zap.String("run_id", run.ID))
		}
	}

	tr := trace.NewRecorder()
	outs := make(map[string][]string, len(p.Stages))
	for _, s := range p.Stages {
		outs[s.Name] = s.OutPaths()
	}
	traceObserver := trace.Observer(tr, outs)

	ex, err := dag.NewExecutor(g, r)
	if err != nil {
		return p, err
	}
	ex.Targets = targets
	ex.FailFast = opts.failFast
	ex.Observer = func(ev dag.Event) {
		traceObserver(ev)
		app.report(ev)
		if hist != nil {
			if err := hist.RecordStage(hctx, stageRun(run.ID, ev)); err != nil {
				log.Warn("record stage", zap.String("stage", ev.Stage), zap.Error(err))
			}
		}
	}

	var res *dag.GraphResult
	if opts.jobs > 1 {
		res, err = ex.RunParallel(ctx, opts.jobs)
	} else {
		res, err = ex.RunSerial(ctx)
	}

	if opts.trace != "" {
		path := app.resolve(opts.trace)
		if werr := trace.WriteFile(path, tr.Trace(g.Hash().String())); werr != nil {
			log.Warn("write trace", zap.String("path", path), zap.Error(werr))
		}
	}

	status := history.RunSucceeded
	var runErr, failure error
	switch {
	case err != nil && ctx.Err() != nil:
		status = history.RunCancelled
		runErr = err
		failure = &history.SystemFailureError{Code: "Cancelled", Message: err.Error(), Cause: err}
	case err != nil:
		status = history.RunFailed
		runErr = err
		failure = &history.SystemFailureError{Code: "ExecutorError", Message: err.Error(), Cause: err}
	case !res.OK():
		status = history.RunFailed
		runErr = &StageFailureError{Failed: res.Failed(), Skipped: res.Skipped()}
		failure = stageFailure(res)
	}
	if hist != nil {
		if failure != nil {
			if err := hist.RecordFailure(hctx, run.ID, failure); err != nil {
				log.Warn("record failure", zap.Error(err))
			}
		}
		if err := hist.FinishRun(hctx, run.ID, status); err != nil {
			log.Warn("finish run", zap.Error(err))
		}
	}
	log.Info("repro finished", zap.String("run_id", run.ID), zap.String("status", string(status)))
	return p, runErr
}

// stageFailure describes the first failed stage in execution order.
func stageFailure(res *dag.GraphResult) error {
	failed := res.Failed()
	name := ""
	for _, n := range res.ExecutionOrder {
		if res.FinalState[n] == dag.StageFailed {
			name = n
			break
		}
	}
	if name == "" && len(failed) > 0 {
		name = failed[0]
	}
	nr := res.Results[name]
	msg := "stage failed"
	if nr != nil && nr.Err != nil {
		msg = nr.Err.Error()
	} else if nr != nil && len(nr.StderrTail) > 0 {
		msg = lastLine(string(nr.StderrTail))
	}
	return &history.ExecutionFailureError{
		Stage:   name,
		Code:    trace.FailureReason(nr),
		Message: msg,
		Cause:   &StageFailureError{Failed: failed, Skipped: res.Skipped()},
	}
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func stageRun(runID string, ev dag.Event) history.StageRun {
	sr := history.StageRun{RunID: runID, Stage: ev.Stage, State: string(ev.State)}
	if ev.Result != nil {
		sr.Hash = ev.Result.Hash.String()
		sr.ExitCode = ev.Result.ExitCode
		sr.Duration = ev.Result.Duration
		sr.Reasons = ev.Result.Reasons
		sr.LogPath = ev.Result.LogPath
		if ev.Result.Err != nil {
			sr.Error = ev.Result.Err.Error()
		}
	}
	if ev.State == dag.StageSkipped {
		sr.Error = "upstream failed: " + ev.Cause
	}
	return sr
}

// report prints one line per terminal stage.
func (app *App) report(ev dag.Event) {
	res := ev.Result
	switch ev.State {
	case dag.StageUpToDate:
		app.printf("%s: up to date\n", ev.Stage)
	case dag.StageCompleted:
		app.printf("%s: done in %s\n", ev.Stage, res.Duration.Round(time.Millisecond))
	case dag.StageFailed:
		switch {
		case res == nil:
			app.printf("%s: failed\n", ev.Stage)
		case res.Err != nil:
			app.printf("%s: failed: %v\n", ev.Stage, res.Err)
		default:
			app.printf("%s: failed with exit code %d\n", ev.Stage, res.ExitCode)
		}
		if res != nil && res.LogPath != "" {
			app.printf("  log: %s\n", res.LogPath)
		}
	case dag.StageSkipped:
		app.printf("%s: skipped, upstream %s failed\n", ev.Stage, ev.Cause)
	}
}

// recordEarly stores a run that failed before any stage was scheduled.
func (app *App) recordEarly(ctx context.Context, hist *history.Recorder, targets []string, opts reproOptions, cause error) {
	if hist == nil {
		return
	}
	log := app.logger()
	run, err := hist.StartRun(ctx, history.Run{PipelineHash: "unavailable", Targets: targets, Jobs: opts.jobs, Force: opts.force})
	if err != nil {
		log.Warn("history disabled", zap.Error(err))
		return
	}
	if err := hist.RecordFailure(ctx, run.ID, cause); err != nil {
		log.Warn("record failure", zap.String("run_id", run.ID), zap.Error(err))
	}
	if err := hist.FinishRun(ctx, run.ID, history.RunFailed); err != nil {
		log.Warn("finish run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// openHistory opens the run history, or returns nil when it cannot be used.
func (app *App) openHistory() *history.Recorder {
	if app.Config.History == "" {
		return nil
	}
	rec, err := history.Open(app.Config.History)
	if err != nil {
		app.logger().Warn("history disabled", zap.String("path", app.Config.History), zap.Error(err))
		return nil
	}
	return rec
}

func (app *App) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(app.Dir, path)
}

// watch runs repro once, then again after every change to the pipeline
// definition or to a dep no stage produces.
func (app *App) watch(ctx context.Context, targets []string, opts reproOptions) error {
	log := app.logger()
	w, err := watch.New(log)
	if err != nil {
		return err
	}
	defer w.Close()

	var current atomic.Pointer[pipeline.Pipeline]
	metaDir := filepath.Dir(app.Config.History)
	w.Skip = func(path string) bool {
		if path == app.Config.LockFile || strings.HasPrefix(path, metaDir+string(os.PathSeparator)) {
			return true
		}
		p := current.Load()
		return p != nil && p.Generated(path)
	}

	once := func(ctx context.Context) error {
		p, err := app.repro(ctx, targets, opts)
		if p != nil {
			current.Store(p)
			if aerr := w.Add(p.WatchPaths()...); aerr != nil {
				log.Warn("watch", zap.Error(aerr))
			}
		} else if aerr := w.Add(app.Config.Pipeline); aerr != nil {
			log.Warn("watch", zap.Error(aerr))
		}
		if err != nil && ctx.Err() == nil {
			app.printf("meshpipe: %v\n", err)
		}
		if ctx.Err() == nil {
			app.printf("watching for changes (ctrl-c to stop)\n")
		}
		return err
	}
	_ = once(ctx)
	err = w.Run(ctx, once)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
