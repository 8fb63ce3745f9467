package snap

import (
	"context"
	"fmt"
)

// HistoryEntry is the state of one path in one snapshot.
type HistoryEntry struct {
	SnapshotID  string
	Timestamp   int64
	Description string
	Kind        EntryKind
}

// FileHistory lists, newest first, every snapshot that records path together
// with the kind of entry it holds. Content is not resolved.
func (e *Engine) FileHistory(ctx context.Context, path string) ([]HistoryEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}

	var out []HistoryEntry
	for i := len(e.entries) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ie := e.entries[i]
		s, err := e.store.LoadSnapshot(ie.ID)
		if err != nil {
			return nil, fmt.Errorf("loading snapshot %s: %w", ie.ID, err)
		}
		entry, ok := s.Files[path]
		if !ok {
			continue
		}
		out = append(out, HistoryEntry{
			SnapshotID:  ie.ID,
			Timestamp:   ie.Timestamp,
			Description: ie.Description,
			Kind:        KindOf(entry),
		})
	}
	return out, nil
}
