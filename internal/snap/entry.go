package snap

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FileEntry is the recorded state of one workspace path in a snapshot.
// It is a closed set: Full, Delta, Unchanged, Deleted and Binary are the only
// implementations.
type FileEntry interface {
	// BaseID returns the snapshot this entry depends on, or "" for
	// self-contained entries.
	BaseID() string
	isFileEntry()
}

// Full holds self-contained text content.
type Full struct {
	Content string
}

// Delta is a unified diff against the same path's resolved content in Base.
type Delta struct {
	Diff string
	Base string
}

// Unchanged is identical to the same path's resolved content in Base.
type Unchanged struct {
	Base string
}

// Deleted records that the path existed in an ancestor but not at snapshot time.
type Deleted struct{}

// Binary is a presence-only marker for opaque files. Base, when set, is the
// previous snapshot that also saw the file; it is never used to reconstruct bytes.
type Binary struct {
	Base string
}

func (Full) BaseID() string        { return "" }
func (e Delta) BaseID() string     { return e.Base }
func (e Unchanged) BaseID() string { return e.Base }
func (Deleted) BaseID() string     { return "" }
func (e Binary) BaseID() string    { return e.Base }

func (Full) isFileEntry()      {}
func (Delta) isFileEntry()     {}
func (Unchanged) isFileEntry() {}
func (Deleted) isFileEntry()   {}
func (Binary) isFileEntry()    {}

// IsTracked reports whether e represents a file present at snapshot time.
func IsTracked(e FileEntry) bool {
	_, deleted := e.(Deleted)
	return e != nil && !deleted
}

// IsBinary reports whether e is a binary presence marker.
func IsBinary(e FileEntry) bool {
	_, ok := e.(Binary)
	return ok
}

// fileEntryJSON is the on-disk shape of a FileEntry.
type fileEntryJSON struct {
	Content        *string `json:"content,omitempty"`
	Diff           string  `json:"diff,omitempty"`
	BaseSnapshotID string  `json:"baseSnapshotId,omitempty"`
	Deleted        bool    `json:"deleted,omitempty"`
	IsBinary       bool    `json:"isBinary,omitempty"`
}

func encodeEntry(e FileEntry) (fileEntryJSON, error) {
	switch v := e.(type) {
	case Full:
		content := v.Content
		return fileEntryJSON{Content: &content}, nil
	case Delta:
		return fileEntryJSON{Diff: v.Diff, BaseSnapshotID: v.Base}, nil
	case Unchanged:
		return fileEntryJSON{BaseSnapshotID: v.Base}, nil
	case Deleted:
		return fileEntryJSON{Deleted: true}, nil
	case Binary:
		return fileEntryJSON{IsBinary: true, BaseSnapshotID: v.Base}, nil
	default:
		return fileEntryJSON{}, fmt.Errorf("unknown file entry type %T", e)
	}
}

func decodeEntry(raw fileEntryJSON) (FileEntry, error) {
	switch {
	case raw.Deleted:
		if raw.Content != nil || raw.Diff != "" || raw.IsBinary {
			return nil, fmt.Errorf("deleted entry carries content")
		}
		return Deleted{}, nil
	case raw.IsBinary:
		if raw.Content != nil || raw.Diff != "" {
			return nil, fmt.Errorf("binary entry carries content")
		}
		return Binary{Base: raw.BaseSnapshotID}, nil
	case raw.Content != nil:
		if raw.Diff != "" || raw.BaseSnapshotID != "" {
			return nil, fmt.Errorf("full entry carries a diff or base")
		}
		return Full{Content: *raw.Content}, nil
	case raw.Diff != "":
		if raw.BaseSnapshotID == "" {
			return nil, fmt.Errorf("delta entry has no base snapshot")
		}
		return Delta{Diff: raw.Diff, Base: raw.BaseSnapshotID}, nil
	case raw.BaseSnapshotID != "":
		return Unchanged{Base: raw.BaseSnapshotID}, nil
	default:
		return nil, fmt.Errorf("entry has no recognizable shape")
	}
}

// FileMap maps workspace-relative, forward-slash paths to their entries.
type FileMap map[string]FileEntry

// MarshalJSON encodes entries in their on-disk shape.
func (m FileMap) MarshalJSON() ([]byte, error) {
	out := make(map[string]fileEntryJSON, len(m))
	for path, e := range m {
		raw, err := encodeEntry(e)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", path, err)
		}
		out[path] = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes entries, rejecting shapes that mix variants.
func (m *FileMap) UnmarshalJSON(data []byte) error {
	var raw map[string]fileEntryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(FileMap, len(raw))
	for path, r := range raw {
		e, err := decodeEntry(r)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", path, err)
		}
		out[path] = e
	}
	*m = out
	return nil
}

// Paths returns the map's keys in sorted order.
func (m FileMap) Paths() []string {
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// EntryKind names a FileEntry variant.
type EntryKind string

const (
	KindFull      EntryKind = "full"
	KindDelta     EntryKind = "delta"
	KindUnchanged EntryKind = "unchanged"
	KindDeleted   EntryKind = "deleted"
	KindBinary    EntryKind = "binary"
)

// KindOf returns the variant name of e.
func KindOf(e FileEntry) EntryKind {
	switch e.(type) {
	case Full:
		return KindFull
	case Delta:
		return KindDelta
	case Unchanged:
		return KindUnchanged
	case Deleted:
		return KindDeleted
	case Binary:
		return KindBinary
	}
	return ""
}
