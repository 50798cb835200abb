package dag

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"meshpipe/internal/core"
)

// Runner probes and executes a single stage.
//
// Probe runs only after every upstream stage reached a terminal state, so it
// observes fresh upstream outputs. If upToDate is true the result must be
// non-nil. A Probe or Run error fails the stage unless the context is done,
// in which case the whole execution is aborted.
type Runner interface {
	Probe(ctx context.Context, stage *core.Stage) (result *NodeResult, upToDate bool, err error)
	Run(ctx context.Context, stage *core.Stage) (*NodeResult, error)
}

// Executor executes a Graph in dependency order.
type Executor struct {
	Graph  *Graph
	Runner Runner

	// Targets restricts execution to these stages and their upstream
	// closure. Empty selects every stage.
	Targets []string

	// Observer, if set, receives one Event per terminal stage.
	Observer Observer

	// FailFast skips every pending stage after the first failure instead
	// of only the failed stage's downstream.
	FailFast bool

	mu      sync.Mutex
	state   ExecutionState
	order   []string
	results map[string]*NodeResult
}

// NewExecutor creates an executor for g.
func NewExecutor(g *Graph, runner Runner) (*Executor, error) {
	if g == nil {
		return nil, fmt.Errorf("nil graph")
	}
	if runner == nil {
		return nil, fmt.Errorf("nil runner")
	}
	return &Executor{Graph: g, Runner: runner}, nil
}

// StateSnapshot returns a copy of the current execution state.
func (e *Executor) StateSnapshot() ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp := make(ExecutionState, len(e.state))
	for k, v := range e.state {
		cp[k] = v
	}
	return cp
}

// begin resets per-run state to PENDING for the selected stages.
func (e *Executor) begin() ([]string, error) {
	selected, err := e.Graph.Upstream(e.Targets)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = make(ExecutionState, len(selected))
	for _, name := range selected {
		e.state[name] = StagePending
	}
	e.order = make([]string, 0, len(selected))
	e.results = make(map[string]*NodeResult, len(selected))
	return selected, nil
}

func (e *Executor) result() *GraphResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	final := make(ExecutionState, len(e.state))
	for k, v := range e.state {
		final[k] = v
	}
	order := make([]string, len(e.order))
	copy(order, e.order)
	results := make(map[string]*NodeResult, len(e.results))
	for k, v := range e.results {
		results[k] = v
	}
	return &GraphResult{
		GraphHash:      e.Graph.Hash(),
		FinalState:     final,
		ExecutionOrder: order,
		Results:        results,
	}
}

func (e *Executor) emit(events []Event) {
	if e.Observer == nil {
		return
	}
	for _, ev := range events {
		e.Observer(ev)
	}
}

func (e *Executor) markUpToDate(name string, res *NodeResult) error {
	e.mu.Lock()
	if err := Transition(e.state, name, StagePending, StageUpToDate); err != nil {
		e.mu.Unlock()
		return err
	}
	e.results[name] = res
	e.mu.Unlock()
	e.emit([]Event{{Stage: name, State: StageUpToDate, Result: res}})
	return nil
}

func (e *Executor) markRunning(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := Transition(e.state, name, StagePending, StageRunning); err != nil {
		return err
	}
	e.order = append(e.order, name)
	return nil
}

// finish commits a RUNNING stage's result, or a PENDING stage whose probe
// failed, and propagates failure downstream.
func (e *Executor) finish(name string, res *NodeResult) error {
	e.mu.Lock()
	e.results[name] = res

	if res.Succeeded() {
		if err := Transition(e.state, name, StageRunning, StageCompleted); err != nil {
			e.mu.Unlock()
			return err
		}
		e.mu.Unlock()
		e.emit([]Event{{Stage: name, State: StageCompleted, Result: res}})
		return nil
	}

	skipped, err := FailAndPropagate(e.Graph, e.state, name)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if e.FailFast {
		skipped = append(skipped, SkipPending(e.Graph, e.state)...)
	}
	e.mu.Unlock()

	events := make([]Event, 0, 1+len(skipped))
	events = append(events, Event{Stage: name, State: StageFailed, Result: res})
	for _, s := range skipped {
		events = append(events, Event{Stage: s, State: StageSkipped, Cause: name})
	}
	e.emit(events)
	return nil
}

func failedResult(err error) *NodeResult {
	return &NodeResult{ExitCode: -1, Err: err}
}

// probe runs Runner.Probe and commits UP_TO_DATE or probe failure. It
// returns true when the stage still has to run.
func (e *Executor) probe(ctx context.Context, name string, stage *core.Stage) (bool, error) {
	res, upToDate, err := e.Runner.Probe(ctx, stage)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}
		return false, e.finish(name, failedResult(fmt.Errorf("probing %q: %w", name, err)))
	}
	if upToDate {
		if res == nil {
			return false, fmt.Errorf("probing %q: nil result", name)
		}
		return false, e.markUpToDate(name, res)
	}
	return true, nil
}

// RunSerial executes the selected stages one at a time.
//
// The next stage is always the first element of the scheduler's ordered
// list, so the execution order is fixed for a given graph and outcome.
func (e *Executor) RunSerial(ctx context.Context) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := e.begin(); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("execution cancelled: %w", err)
		}

		e.mu.Lock()
		ready := GetReadyStages(e.Graph, e.state)
		if len(ready) == 0 {
			allTerminal := true
			for _, st := range e.state {
				if !IsTerminal(st) {
					allTerminal = false
					break
				}
			}
			e.mu.Unlock()

			if allTerminal {
				return e.result(), nil
			}
			return nil, fmt.Errorf("no ready stages but graph not finished")
		}
		next := ready[0]
		e.mu.Unlock()

		stage := &e.Graph.nodesByName[next].Stage
		mustRun, err := e.probe(ctx, next, stage)
		if err != nil {
			return nil, err
		}
		if !mustRun {
			continue
		}

		if err := e.markRunning(next); err != nil {
			return nil, err
		}
		res, err := e.Runner.Run(ctx, stage)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
			}
			res = failedResult(fmt.Errorf("executing %q: %w", next, err))
		}
		if res == nil {
			return nil, fmt.Errorf("executing %q: nil result", next)
		}
		if err := e.finish(next, res); err != nil {
			return nil, err
		}
	}
}

type workItem struct {
	name  string
	stage *core.Stage
}

type workResult struct {
	name   string
	result *NodeResult
	err    error
}

// RunParallel executes the selected stages using up to concurrency workers.
//
// Dispatch is depth-staged: a depth starts only once the previous one is
// finished, and stages within a depth are dispatched by name. Probing and
// state changes happen on the calling goroutine; only Run is concurrent.
func (e *Executor) RunParallel(ctx context.Context, concurrency int) (*GraphResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be > 0")
	}
	selected, err := e.begin()
	if err != nil {
		return nil, err
	}

	maxDepth := 0
	for _, name := range selected {
		if d, _ := e.Graph.Depth(name); d > maxDepth {
			maxDepth = d
		}
	}
	byDepth := make([][]string, maxDepth+1)
	for _, name := range selected {
		d, _ := e.Graph.Depth(name)
		byDepth[d] = append(byDepth[d], name)
	}
	for d := range byDepth {
		sort.Strings(byDepth[d])
	}

	workCh := make(chan workItem, concurrency)
	doneCh := make(chan workResult, concurrency)

	var wg sync.WaitGroup
	var stopOnce sync.Once
	stopWorkers := func() {
		stopOnce.Do(func() {
			close(workCh)
			wg.Wait()
		})
	}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				res, err := e.Runner.Run(ctx, w.stage)
				doneCh <- workResult{name: w.name, result: res, err: err}
			}
		}()
	}
	defer stopWorkers()

	depsSatisfied := func(name string) bool {
		for _, p := range e.Graph.Parents(name) {
			if !IsSuccessful(e.state[p]) {
				return false
			}
		}
		return true
	}

	inFlight := 0
	for depth := 0; depth <= maxDepth; depth++ {
		names := byDepth[depth]
		nextToStart := 0

		for {
			for inFlight < concurrency && nextToStart < len(names) {
				name := names[nextToStart]
				nextToStart++

				e.mu.Lock()
				st := e.state[name]
				ok := depsSatisfied(name)
				e.mu.Unlock()

				// Skipped by an earlier failure.
				if IsTerminal(st) {
					continue
				}
				if st != StagePending {
					return nil, fmt.Errorf("unexpected non-pending state for %q: %s", name, st)
				}
				if !ok {
					return nil, fmt.Errorf("stage %q at depth %d is pending but dependencies are not successful", name, depth)
				}

				stage := &e.Graph.nodesByName[name].Stage
				mustRun, err := e.probe(ctx, name, stage)
				if err != nil {
					return nil, err
				}
				if !mustRun {
					continue
				}
				if err := e.markRunning(name); err != nil {
					return nil, err
				}
				inFlight++
				workCh <- workItem{name: name, stage: stage}
			}

			if nextToStart >= len(names) && inFlight == 0 {
				break
			}

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
			case r := <-doneCh:
				inFlight--
				if r.err != nil {
					if ctx.Err() != nil {
						return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
					}
					r.result = failedResult(fmt.Errorf("executing %q: %w", r.name, r.err))
				}
				if r.result == nil {
					return nil, fmt.Errorf("executing %q: nil result", r.name)
				}
				if err := e.finish(r.name, r.result); err != nil {
					return nil, err
				}
			}
		}
	}

	stopWorkers()
	return e.result(), nil
}
