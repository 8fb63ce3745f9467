package snap

import (
	"errors"
	"strings"
)

var (
	// ErrNoWorkspace means the engine was built without a workspace root.
	ErrNoWorkspace = errors.New("no workspace root configured")

	// ErrNotFound is returned for a missing snapshot or file.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt marks unreadable store data or a broken diff chain.
	ErrCorrupt = errors.New("corrupt snapshot data")

	// ErrPatchFailed means a non-empty patch did not apply to its base.
	ErrPatchFailed = errors.New("patch does not apply")

	// ErrMalformedPatch means a patch did not parse to exactly one file record.
	ErrMalformedPatch = errors.New("malformed patch")

	// ErrBinaryContent is returned when content is requested for a binary marker.
	ErrBinaryContent = errors.New("binary file has no stored content")
)

// Error carries the snapshot and path an operation failed on.
type Error struct {
	Op         string
	SnapshotID string
	Path       string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.SnapshotID != "" {
		b.WriteString(" ")
		b.WriteString(e.SnapshotID)
	}
	if e.Path != "" {
		b.WriteString(" ")
		b.WriteString(e.Path)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }
