package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"wsnap/internal/snap"
)

// LoadIndex reads index.json. A missing or unparsable index is rebuilt from
// the snapshot directories and written back. An out-of-range current index
// is clamped and written back.
func (s *FileStore) LoadIndex() (*snap.Index, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading index: %w", err)
		}
		s.logger.Debug("index missing, scanning store", "dir", s.dir)
		return s.recoverIndex()
	}

	var idx snap.Index
	if err := json.Unmarshal(data, &idx); err != nil {
		s.logger.Warn("index corrupt, rebuilding from snapshot directories", "error", err)
		return s.recoverIndex()
	}
	if idx.Snapshots == nil {
		idx.Snapshots = []snap.IndexEntry{}
	}

	if idx.CurrentIndex < -1 || idx.CurrentIndex >= len(idx.Snapshots) {
		s.logger.Warn("current index out of range, clamping", "current", idx.CurrentIndex, "snapshots", len(idx.Snapshots))
		idx.CurrentIndex = len(idx.Snapshots) - 1
		if err := s.SaveIndex(&idx); err != nil {
			return nil, err
		}
	}
	return &idx, nil
}

// SaveIndex overwrites index.json.
func (s *FileStore) SaveIndex(idx *snap.Index) error {
	out := *idx
	if out.Snapshots == nil {
		out.Snapshots = []snap.IndexEntry{}
	}
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, indexFile), data); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	return nil
}

// recoverIndex rebuilds the index from every readable snapshot directory,
// ordered by timestamp, with the newest snapshot current.
func (s *FileStore) recoverIndex() (*snap.Index, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("scanning store: %w", err)
	}

	entries := []snap.IndexEntry{}
	for _, d := range dirents {
		if !d.IsDir() || !snap.IsSnapshotID(d.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, d.Name(), bodyFile))
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot", "dir", d.Name(), "error", err)
			continue
		}
		var body snap.Snapshot
		if err := json.Unmarshal(data, &body); err != nil {
			s.logger.Warn("skipping corrupt snapshot", "dir", d.Name(), "error", err)
			continue
		}
		if body.ID != d.Name() {
			s.logger.Warn("skipping snapshot with mismatched id", "dir", d.Name(), "id", body.ID)
			continue
		}
		if body.Timestamp == 0 {
			s.logger.Warn("skipping snapshot without timestamp", "dir", d.Name())
			continue
		}
		entries = append(entries, body.Summary())
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp != entries[j].Timestamp {
			return entries[i].Timestamp < entries[j].Timestamp
		}
		return entries[i].ID < entries[j].ID
	})

	idx := &snap.Index{Snapshots: entries, CurrentIndex: len(entries) - 1}
	if err := s.SaveIndex(idx); err != nil {
		return nil, err
	}

	indexRecoveries.Inc()
	s.InvalidateAll()
	s.logger.Info("index rebuilt", "snapshots", len(entries))
	return idx, nil
}
