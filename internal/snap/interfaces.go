package snap

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Logger provides structured logging for the engine and store.
// The args follow slog conventions: alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger discards everything. Use in tests.
type NopLogger struct{}

func NewNopLogger() *NopLogger { return &NopLogger{} }

func (*NopLogger) Debug(string, ...any) {}
func (*NopLogger) Info(string, ...any)  {}
func (*NopLogger) Warn(string, ...any)  {}
func (*NopLogger) Error(string, ...any) {}

// Clock abstracts time retrieval so snapshot timestamps are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator produces the random part of snapshot ids.
type IDGenerator interface {
	New() string
}

// UUIDGenerator uses the leading hex digits of a random UUID.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String()[:8] }

// FileInfo describes one enumerated workspace file.
type FileInfo struct {
	Path string // workspace-relative, forward slashes
	Size int64
}

// Workspace is the file-enumeration and file-access primitive the engine runs
// against. Paths are workspace-relative with forward slashes.
type Workspace interface {
	// Root returns the absolute workspace root, or "" when none is configured.
	Root() string

	// FindFiles returns regular files matching include and not matching exclude.
	// An empty exclude excludes nothing.
	FindFiles(ctx context.Context, include, exclude string) ([]FileInfo, error)

	// ReadFile returns the file's full content.
	ReadFile(path string) ([]byte, error)

	// ReadHead returns at most n leading bytes and the file's total size.
	ReadHead(path string, n int) ([]byte, int64, error)

	// WriteFile replaces the file's content, creating parent directories.
	WriteFile(path string, data []byte) error

	// Remove deletes the file. A missing file is not an error.
	Remove(path string) error
}

// PathFilter decides which workspace paths take part in snapshots.
type PathFilter interface {
	// Enumerate lists every included file in the workspace, sorted by path.
	Enumerate(ctx context.Context, ws Workspace) ([]FileInfo, error)
}

// Classifier decides which files are opaque binaries.
type Classifier interface {
	// Classify returns the set of binary paths among files.
	Classify(ctx context.Context, ws Workspace, files []FileInfo) (map[string]bool, error)
}

// DiffCodec creates and applies textual patches.
type DiffCodec interface {
	Create(label, oldContent, newContent string) string
	Apply(base, patch, path string) (string, error)
}

// Store persists snapshots and resolves content through diff chains.
type Store interface {
	// LoadIndex reads the index, recovering it from snapshot bodies when it is
	// missing or corrupt.
	LoadIndex() (*Index, error)
	SaveIndex(idx *Index) error

	// LoadSnapshot returns a snapshot body. Callers must Clone before mutating.
	LoadSnapshot(id string) (*Snapshot, error)
	SaveSnapshot(s *Snapshot) error
	DeleteSnapshot(id string) error

	// Resolve reconstructs path's content at snapshot id. found is false when
	// the path is absent or deleted there.
	Resolve(ctx context.Context, id, path string) (content string, found bool, err error)

	// InvalidateSnapshot drops every cached result keyed by id.
	InvalidateSnapshot(id string)
	// InvalidateAll empties all caches.
	InvalidateAll()
}

// DocumentRegistry reports unsaved editor state for workspace paths.
type DocumentRegistry interface {
	HasUnsavedChanges(path string) bool
}

// VCSInfo looks up version-control context for tagging new snapshots.
type VCSInfo interface {
	Current(root string) (branch, revision string, err error)
}
