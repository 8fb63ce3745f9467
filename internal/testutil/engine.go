package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"wsnap/internal/classify"
	"wsnap/internal/diff"
	"wsnap/internal/fs"
	"wsnap/internal/snap"
	"wsnap/internal/store"
)

// NewTestStore creates a FileStore in a temporary directory.
func NewTestStore(t *testing.T) *store.FileStore {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "store"), diff.NewCodec(), snap.NewNopLogger(), store.Options{})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

// NewTestEngine wires an Engine over ws with a fresh temporary store, the
// default filter and classifier, a ticking clock and sequential ids.
func NewTestEngine(t *testing.T, ws snap.Workspace, opts snap.Options) (*snap.Engine, *store.FileStore) {
	t.Helper()
	s := NewTestStore(t)
	return NewTestEngineWithStore(ws, s, opts), s
}

// NewTestEngineWithStore wires an Engine over an existing store, e.g. to
// simulate a restart.
func NewTestEngineWithStore(ws snap.Workspace, s *store.FileStore, opts snap.Options) *snap.Engine {
	logger := snap.NewNopLogger()
	return snap.NewEngine(
		s,
		ws,
		fs.NewFilter(nil, "", logger),
		classify.New(0, logger),
		diff.NewCodec(),
		logger,
		TickingClock(time.Second),
		NewStubIDGenerator(),
		opts,
	)
}
