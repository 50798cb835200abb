package lock

import (
	"sort"
	"sync"

	"meshpipe/internal/core"
)

// SchemaVersion is written to every lock file.
const SchemaVersion = 1

// DefaultFile is the lock file name next to the pipeline file.
const DefaultFile = "pipeline.lock"

// Entry is the recorded state of one stage.
type Entry struct {
	// Cmd is the displayed (redacted) command.
	Cmd     string         `yaml:"cmd"`
	Hash    core.StageHash `yaml:"hash"`
	EnvHash string         `yaml:"env_hash,omitempty"`
	Deps    []core.Digest  `yaml:"deps,omitempty"`
	Outs    []core.Digest  `yaml:"outs,omitempty"`
}

// NewEntry builds the entry for a stage that just succeeded.
func NewEntry(stage *core.Stage, deps, outs []core.Digest) *Entry {
	e := &Entry{
		Cmd:  stage.Display(),
		Hash: core.NewStageHasher().Compute(stage),
		Deps: append([]core.Digest(nil), deps...),
		Outs: append([]core.Digest(nil), outs...),
	}
	if len(stage.Env) > 0 {
		e.EnvHash = core.EnvHash(stage.Env)
	}
	return e
}

// Lock is the in-memory lock file. It is safe for concurrent use.
type Lock struct {
	mu     sync.Mutex
	stages map[string]*Entry
}

// New returns an empty lock.
func New() *Lock {
	return &Lock{stages: map[string]*Entry{}}
}

// Get returns the entry for a stage, or nil.
func (l *Lock) Get(name string) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stages[name]
}

// Put replaces the entry for a stage.
func (l *Lock) Put(name string, e *Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages[name] = e
}

// Names returns the recorded stage names, sorted.
func (l *Lock) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.stages))
	for n := range l.stages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Prune drops entries for stages not in keep and returns the dropped names,
// sorted.
func (l *Lock) Prune(keep []string) []string {
	want := make(map[string]bool, len(keep))
	for _, k := range keep {
		want[k] = true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var dropped []string
	for n := range l.stages {
		if !want[n] {
			dropped = append(dropped, n)
			delete(l.stages, n)
		}
	}
	sort.Strings(dropped)
	return dropped
}

type fileFormat struct {
	Schema int               `yaml:"schema"`
	Stages map[string]*Entry `yaml:"stages"`
}

func (l *Lock) snapshot() fileFormat {
	l.mu.Lock()
	defer l.mu.Unlock()
	stages := make(map[string]*Entry, len(l.stages))
	for n, e := range l.stages {
		stages[n] = e
	}
	return fileFormat{Schema: SchemaVersion, Stages: stages}
}
