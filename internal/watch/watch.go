// Package watch turns file system activity in a workspace into debounced
// snapshot triggers.
package watch

import (
	"context"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"wsnap/internal/snap"
)

var (
	eventsSeen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsnap_watch_events_total",
		Help: "File system events for non-ignored workspace paths",
	})

	triggersFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsnap_watch_triggers_total",
		Help: "Quiet periods that ended in a snapshot attempt",
	})

	triggerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wsnap_watch_trigger_failures_total",
		Help: "Snapshot attempts that returned an error",
	})

	watchedDirs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wsnap_watch_directories",
		Help: "Directories currently registered with the watcher",
	})
)

// Trigger is called once per quiet period with the sorted workspace-relative
// paths that changed during it.
type Trigger func(ctx context.Context, changed []string) error

// Options configures a Watcher.
type Options struct {
	// Debounce is the quiet period after the last event before Trigger runs.
	Debounce time.Duration
	// Ignored reports whether a workspace-relative path is left out of
	// snapshots. Events for ignored paths are dropped.
	Ignored func(rel string) bool
	// Prune reports whether nothing beneath a workspace-relative directory
	// can be included. Pruned directories are not watched. Defaults to
	// Ignored.
	Prune func(rel string) bool
}

// Watcher watches every directory beneath a workspace root that is not pruned.
type Watcher struct {
	root     string
	debounce time.Duration
	ignored  func(string) bool
	prune    func(string) bool
	trigger  Trigger
	logger   snap.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	closed  bool
	running bool
}

// New registers root and its subdirectories that are not pruned.
func New(root string, opts Options, trigger Trigger, logger snap.Logger) (*Watcher, error) {
	if opts.Debounce <= 0 {
		return nil, fmt.Errorf("debounce must be positive, got %v", opts.Debounce)
	}
	ignored := opts.Ignored
	if ignored == nil {
		ignored = func(string) bool { return false }
	}
	prune := opts.Prune
	if prune == nil {
		prune = ignored
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		debounce: opts.Debounce,
		ignored:  ignored,
		prune:    prune,
		trigger:  trigger,
		logger:   logger,
		fsw:      fsw,
	}
	if _, err := w.addTree(root); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Run processes events until ctx is cancelled or the watcher is closed.
// Trigger calls happen on the Run goroutine, one at a time.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("watcher is closed")
	}
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	pending := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			changed := w.handleEvent(event)
			if len(changed) == 0 {
				continue
			}
			for _, rel := range changed {
				pending[rel] = true
			}
			eventsSeen.Inc()
			timer.Reset(w.debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			changed := make([]string, 0, len(pending))
			for rel := range pending {
				changed = append(changed, rel)
			}
			slices.Sort(changed)
			clear(pending)

			triggersFired.Inc()
			w.logger.Debug("quiet period ended", "changed", len(changed))
			if err := w.trigger(ctx, changed); err != nil {
				triggerFailures.Inc()
				w.logger.Error("snapshot trigger failed", "error", err)
			}
		}
	}
}

// handleEvent returns the workspace-relative paths an event touched, or nil
// for ignored paths and attribute-only changes.
func (w *Watcher) handleEvent(event fsnotify.Event) []string {
	if event.Op == fsnotify.Chmod {
		return nil
	}
	rel, ok := w.rel(event.Name)
	if !ok {
		return nil
	}

	var changed []string
	if !w.ignored(rel) {
		changed = append(changed, rel)
	}
	if event.Has(fsnotify.Create) && !w.prune(rel) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// files may land before the new directory is registered
			files, err := w.addTree(event.Name)
			if err != nil {
				w.logger.Warn("failed to watch new directory", "path", rel, "error", err)
			}
			changed = append(changed, files...)
		}
	}
	return changed
}

// addTree registers dir and every directory beneath it that is not pruned,
// and returns the non-ignored regular files found on the way.
func (w *Watcher) addTree(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		rel, ok := w.rel(p)
		if d.IsDir() && ok && w.prune(rel) {
			return filepath.SkipDir
		}
		if !d.IsDir() {
			if ok && d.Type().IsRegular() && !w.ignored(rel) {
				files = append(files, rel)
			}
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		watchedDirs.Inc()
		return nil
	})
	return files, err
}

// rel maps an absolute event path to a slash-separated workspace path. The
// root itself has no workspace path.
func (w *Watcher) rel(p string) (string, bool) {
	r, err := filepath.Rel(w.root, p)
	if err != nil || r == "." || !filepath.IsLocal(r) {
		return "", false
	}
	return filepath.ToSlash(r), true
}

// Close stops the watcher. A running Run returns shortly after.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	watchedDirs.Sub(float64(len(w.fsw.WatchList())))
	return w.fsw.Close()
}
