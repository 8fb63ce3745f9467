package snap

import (
	"fmt"
	"regexp"
	"slices"
	"time"
)

// Snapshot is the full record of the workspace at one point in time, plus the
// user-supplied context attached to it.
type Snapshot struct {
	ID            string   `json:"id"`
	Timestamp     int64    `json:"timestamp"` // milliseconds since the Unix epoch
	Description   string   `json:"description"`
	VCSBranch     string   `json:"vcsBranch,omitempty"`
	VCSRevision   string   `json:"vcsRevision,omitempty"`
	Tags          []string `json:"tags"`
	Notes         string   `json:"notes"`
	TaskReference string   `json:"taskReference"`
	IsFavorite    bool     `json:"isFavorite"`
	IsSelective   bool     `json:"isSelective"`
	SelectedFiles []string `json:"selectedFiles,omitempty"`
	Files         FileMap  `json:"files"`
}

// Time returns the snapshot timestamp as a time.Time.
func (s *Snapshot) Time() time.Time {
	return time.UnixMilli(s.Timestamp)
}

// Summary returns the index projection of the snapshot.
func (s *Snapshot) Summary() IndexEntry {
	return IndexEntry{ID: s.ID, Timestamp: s.Timestamp, Description: s.Description}
}

// Clone returns a deep copy. Entries are values, so copying the map is enough.
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Tags = slices.Clone(s.Tags)
	c.SelectedFiles = slices.Clone(s.SelectedFiles)
	c.Files = make(FileMap, len(s.Files))
	for p, e := range s.Files {
		c.Files[p] = e
	}
	return &c
}

// IndexEntry is the compact projection of a snapshot kept in index.json.
type IndexEntry struct {
	ID          string `json:"id"`
	Timestamp   int64  `json:"timestamp"`
	Description string `json:"description"`
}

// Index is the on-disk list of snapshots in timestamp order.
type Index struct {
	Snapshots    []IndexEntry `json:"snapshots"`
	CurrentIndex int          `json:"currentIndex"`
}

// idPattern matches directory names produced by NewSnapshotID.
var idPattern = regexp.MustCompile(`^snapshot-\d+-[0-9A-Za-z-]+$`)

// NewSnapshotID builds an id from a creation time and a random suffix. The
// millisecond prefix keeps ids roughly ordered even without the index.
func NewSnapshotID(t time.Time, suffix string) string {
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("snapshot-%d-%s", t.UnixMilli(), suffix)
}

// IsSnapshotID reports whether name follows the snapshot id convention.
func IsSnapshotID(name string) bool {
	return idPattern.MatchString(name)
}
