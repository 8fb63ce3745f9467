package snap

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// DefaultMaxSnapshots is the retention ceiling used when Options leaves it unset.
const DefaultMaxSnapshots = 50

// defaultReadConcurrency bounds concurrent file reads during create and restore.
const defaultReadConcurrency = 16

// Options holds the optional collaborators and limits of an Engine.
type Options struct {
	// MaxSnapshots is the retention ceiling. Zero means DefaultMaxSnapshots and
	// a negative value disables eviction.
	MaxSnapshots int

	// ReadConcurrency bounds parallel file reads. Zero means a built-in default.
	ReadConcurrency int

	// Documents reports unsaved editor buffers. May be nil.
	Documents DocumentRegistry

	// VCS tags new snapshots with branch and revision. May be nil.
	VCS VCSInfo

	// Events receives a notification after every completed mutation. Sends
	// never block; events are dropped when the channel is full. May be nil.
	Events chan<- Event
}

// Engine orchestrates snapshot creation, retention, deletion and restore over
// a single linear history. All operations are serialized.
type Engine struct {
	store      Store
	ws         Workspace
	filter     PathFilter
	classifier Classifier
	codec      DiffCodec
	logger     Logger
	clock      Clock
	idgen      IDGenerator

	docs         DocumentRegistry
	vcs          VCSInfo
	events       chan<- Event
	maxSnapshots int
	readLimit    int

	mu      sync.Mutex
	loaded  bool
	entries []IndexEntry
	current int
}

// NewEngine creates an Engine with the provided dependencies. No I/O happens
// until the first operation or an explicit Open.
func NewEngine(store Store, ws Workspace, filter PathFilter, classifier Classifier, codec DiffCodec, logger Logger, clock Clock, idgen IDGenerator, opts Options) *Engine {
	maxSnapshots := opts.MaxSnapshots
	if maxSnapshots == 0 {
		maxSnapshots = DefaultMaxSnapshots
	}
	readLimit := opts.ReadConcurrency
	if readLimit <= 0 {
		readLimit = defaultReadConcurrency
	}
	return &Engine{
		store:        store,
		ws:           ws,
		filter:       filter,
		classifier:   classifier,
		codec:        codec,
		logger:       logger,
		clock:        clock,
		idgen:        idgen,
		docs:         opts.Documents,
		vcs:          opts.VCS,
		events:       opts.Events,
		maxSnapshots: maxSnapshots,
		readLimit:    readLimit,
		current:      -1,
	}
}

// Open loads the index from the store, recovering it if necessary. Every
// cached body and resolution is dropped first, so reopening picks up changes
// made to the store by other processes.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = false
	if e.ws != nil && e.ws.Root() != "" {
		e.store.InvalidateAll()
	}
	return e.ensureLoaded()
}

// ensureLoaded reads the index on first use. Callers must hold e.mu.
func (e *Engine) ensureLoaded() error {
	if e.ws == nil || e.ws.Root() == "" {
		return ErrNoWorkspace
	}
	if e.loaded {
		return nil
	}

	idx, err := e.store.LoadIndex()
	if err != nil {
		return fmt.Errorf("loading index: %w", err)
	}
	e.entries = slices.Clone(idx.Snapshots)
	e.current = idx.CurrentIndex
	e.loaded = true

	e.logger.Debug("index loaded", "snapshots", len(e.entries), "current", e.current)
	return nil
}

// Snapshots returns the summaries of all snapshots, oldest first.
func (e *Engine) Snapshots() ([]IndexEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	return slices.Clone(e.entries), nil
}

// Snapshot returns a copy of the full snapshot record with the given id.
func (e *Engine) Snapshot(id string) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	s, err := e.loadSnapshot(id)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// CurrentIndex returns the position of the current snapshot, or -1.
func (e *Engine) CurrentIndex() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return -1, err
	}
	return e.current, nil
}

// Current returns the current snapshot, or nil when there is none.
func (e *Engine) Current() (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	s, err := e.currentSnapshot()
	if err != nil || s == nil {
		return nil, err
	}
	return s.Clone(), nil
}

// ResolveFileContent returns path's text at snapshot id. found is false when
// the snapshot does not track the path or records it as deleted.
func (e *Engine) ResolveFileContent(ctx context.Context, id, path string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return "", false, err
	}

	s, err := e.loadSnapshot(id)
	if err != nil {
		return "", false, err
	}
	if IsBinary(s.Files[path]) {
		return "", false, &Error{Op: "resolve", SnapshotID: id, Path: path, Err: ErrBinaryContent}
	}
	return e.store.Resolve(ctx, id, path)
}

// indexOf returns the position of id in the snapshot list, or -1.
func (e *Engine) indexOf(id string) int {
	return slices.IndexFunc(e.entries, func(ie IndexEntry) bool { return ie.ID == id })
}

// loadSnapshot loads a body known to the index. The result must not be mutated.
func (e *Engine) loadSnapshot(id string) (*Snapshot, error) {
	if e.indexOf(id) < 0 {
		return nil, &Error{Op: "load snapshot", SnapshotID: id, Err: ErrNotFound}
	}
	s, err := e.store.LoadSnapshot(id)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", id, err)
	}
	return s, nil
}

// currentSnapshot loads the current body, or returns nil when there is none.
func (e *Engine) currentSnapshot() (*Snapshot, error) {
	if e.current < 0 || e.current >= len(e.entries) {
		return nil, nil
	}
	return e.loadSnapshot(e.entries[e.current].ID)
}

// saveIndex persists the given list and current position.
func (e *Engine) saveIndex(entries []IndexEntry, current int) error {
	idx := &Index{Snapshots: entries, CurrentIndex: current}
	if err := e.store.SaveIndex(idx); err != nil {
		e.logger.Error("index write failed", "error", err)
		return fmt.Errorf("saving index: %w", err)
	}
	return nil
}
