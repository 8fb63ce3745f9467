package testutil

import (
	"context"
	"fmt"
	iofs "io/fs"
	"maps"
	"slices"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"wsnap/internal/fs"
	"wsnap/internal/snap"
)

// MemoryWorkspace is an in-memory snap.Workspace for testing. Paths are
// slash-separated and relative to a fictional root.
type MemoryWorkspace struct {
	root string

	mu    sync.Mutex
	files map[string][]byte

	// WriteErrors and RemoveErrors inject failures for specific paths.
	WriteErrors  map[string]error
	RemoveErrors map[string]error
}

var _ snap.Workspace = (*MemoryWorkspace)(nil)

// NewMemoryWorkspace creates an empty workspace rooted at /workspace.
func NewMemoryWorkspace() *MemoryWorkspace {
	return &MemoryWorkspace{
		root:         "/workspace",
		files:        make(map[string][]byte),
		WriteErrors:  make(map[string]error),
		RemoveErrors: make(map[string]error),
	}
}

// NewRootlessWorkspace creates a workspace without a root, for exercising
// configuration errors.
func NewRootlessWorkspace() *MemoryWorkspace {
	ws := NewMemoryWorkspace()
	ws.root = ""
	return ws
}

// AddFile creates or replaces a file.
func (w *MemoryWorkspace) AddFile(path string, content string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = []byte(content)
}

// AddBytes creates or replaces a file with raw content.
func (w *MemoryWorkspace) AddBytes(path string, content []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = slices.Clone(content)
}

// DeleteFile removes a file behind the engine's back.
func (w *MemoryWorkspace) DeleteFile(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.files, path)
}

// Content returns a file's content and whether it exists.
func (w *MemoryWorkspace) Content(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.files[path]
	return string(data), ok
}

// Paths returns every file path in sorted order.
func (w *MemoryWorkspace) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Sorted(maps.Keys(w.files))
}

func (w *MemoryWorkspace) Root() string {
	return w.root
}

// FindFiles matches paths the same way the OS workspace does: a path is
// excluded when exclude matches it or any of its parent directories.
func (w *MemoryWorkspace) FindFiles(ctx context.Context, include, exclude string) ([]snap.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !doublestar.ValidatePattern(include) {
		return nil, fmt.Errorf("invalid include glob: %s", include)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var out []snap.FileInfo
	for _, p := range slices.Sorted(maps.Keys(w.files)) {
		if fs.Excluded(exclude, p) {
			continue
		}
		if ok, _ := doublestar.Match(include, p); !ok {
			continue
		}
		out = append(out, snap.FileInfo{Path: p, Size: int64(len(w.files[p]))})
	}
	return out, nil
}

func (w *MemoryWorkspace) ReadFile(path string) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.files[path]
	if !ok {
		return nil, &iofs.PathError{Op: "open", Path: path, Err: iofs.ErrNotExist}
	}
	return slices.Clone(data), nil
}

func (w *MemoryWorkspace) ReadHead(path string, n int) ([]byte, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data, ok := w.files[path]
	if !ok {
		return nil, 0, &iofs.PathError{Op: "open", Path: path, Err: iofs.ErrNotExist}
	}
	return slices.Clone(data[:min(n, len(data))]), int64(len(data)), nil
}

func (w *MemoryWorkspace) WriteFile(path string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.WriteErrors[path]; err != nil {
		return err
	}
	w.files[path] = slices.Clone(data)
	return nil
}

func (w *MemoryWorkspace) Remove(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.RemoveErrors[path]; err != nil {
		return err
	}
	delete(w.files, path)
	return nil
}
