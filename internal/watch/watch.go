// Package watch reruns a function when watched files change.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period after the last event before a rerun.
const DefaultDebounce = 500 * time.Millisecond

// Watcher watches files and directory trees.
//
// While the triggered function runs, events only mark the watcher dirty;
// a dirty watcher reruns once after the function returns.
type Watcher struct {
	Debounce time.Duration
	Logger   *zap.Logger

	// Skip excludes paths (absolute) from triggering, such as stage outputs
	// or the lock file.
	Skip func(path string) bool

	fsw   *fsnotify.Watcher
	mu    sync.Mutex
	files map[string]bool // watched through their parent dir
	trees map[string]bool // watched recursively
}

// New creates a watcher.
func New(logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		Debounce: DefaultDebounce,
		Logger:   logger,
		fsw:      fsw,
		files:    map[string]bool{},
		trees:    map[string]bool{},
	}, nil
}

// Close stops watching.
func (w *Watcher) Close() error { return w.fsw.Close() }

// Add watches paths. Files are watched through their parent directory so
// editors that replace files on save are seen; directories are watched with
// all their subdirectories. A path that does not exist yet is watched
// through its nearest existing parent.
func (w *Watcher) Add(paths ...string) error {
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		switch {
		case err == nil && info.IsDir():
			if err := w.addTree(abs); err != nil {
				return err
			}
		case err == nil || errors.Is(err, fs.ErrNotExist):
			w.mu.Lock()
			w.files[abs] = true
			w.mu.Unlock()
			if err := w.addDir(existingParent(abs)); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return nil
}

func existingParent(p string) string {
	dir := filepath.Dir(p)
	for {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

func (w *Watcher) addDir(dir string) error {
	if err := w.fsw.Add(dir); err != nil {
		return err
	}
	w.Logger.Debug("watching", zap.String("dir", dir))
	return nil
}

func (w *Watcher) addTree(root string) error {
	w.mu.Lock()
	w.trees[root] = true
	w.mu.Unlock()
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.addDir(p)
		}
		return nil
	})
}

// relevant reports whether an event concerns a watched path.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	if w.Skip != nil && w.Skip(ev.Name) {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.files[ev.Name] {
		return true
	}
	for root := range w.trees {
		if ev.Name == root || strings.HasPrefix(ev.Name, root+string(filepath.Separator)) {
			return true
		}
	}
	// A missing file's parent directories appearing.
	for f := range w.files {
		if strings.HasPrefix(f, ev.Name+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) handleCreate(name string) {
	info, err := os.Stat(name)
	if err != nil || !info.IsDir() {
		return
	}
	w.mu.Lock()
	inTree := false
	for root := range w.trees {
		if strings.HasPrefix(name, root+string(filepath.Separator)) {
			inTree = true
		}
	}
	var pending []string
	for f := range w.files {
		if strings.HasPrefix(f, name+string(filepath.Separator)) {
			pending = append(pending, f)
		}
	}
	w.mu.Unlock()

	if inTree {
		err = w.addTree(name)
	} else if len(pending) > 0 {
		err = w.Add(pending...)
	}
	if err != nil {
		w.Logger.Warn("watch new directory", zap.String("dir", name), zap.Error(err))
	}
}

// Run calls fn after every debounced change until ctx is done. fn is never
// called concurrently with itself and is not cancelled by new events.
func (w *Watcher) Run(ctx context.Context, fn func(context.Context) error) error {
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()
	var fire <-chan time.Time
	schedule := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(debounce)
		fire = timer.C
	}

	running, dirty := false, false
	done := make(chan error, 1)
	for {
		select {
		case <-ctx.Done():
			if running {
				<-done
			}
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				w.handleCreate(ev.Name)
			}
			w.Logger.Debug("change", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			if running {
				dirty = true
				continue
			}
			schedule()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn("watch error", zap.Error(err))

		case <-fire:
			fire = nil
			running = true
			go func() { done <- fn(ctx) }()

		case err := <-done:
			running = false
			if err != nil && ctx.Err() == nil {
				w.Logger.Warn("run failed", zap.Error(err))
			}
			if dirty {
				dirty = false
				schedule()
			}
		}
	}
}
