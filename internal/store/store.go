// Package store persists snapshots under a directory and resolves file
// content through their diff chains.
//
// Layout:
//
//	<dir>/
//	  index.json            (snapshot summaries and the current position)
//	  <snapshotID>/
//	    snapshot.json       (full snapshot body)
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/singleflight"

	"wsnap/internal/snap"
)

const (
	indexFile = "index.json"
	bodyFile  = "snapshot.json"

	// DefaultCacheSize is the content cache ceiling.
	DefaultCacheSize = 1000
	// DefaultBodyCacheSize is the snapshot body cache ceiling.
	DefaultBodyCacheSize = 200
)

// Options tunes cache ceilings. Zero values select the defaults.
type Options struct {
	CacheSize     int
	BodyCacheSize int
}

// FileStore is a filesystem-backed implementation of snap.Store.
type FileStore struct {
	dir    string
	codec  snap.DiffCodec
	logger snap.Logger

	contents *boundedCache[resolved]
	bodies   *boundedCache[*snap.Snapshot]
	group    singleflight.Group
}

var _ snap.Store = (*FileStore)(nil)

// NewFileStore creates the store directory if needed and returns a store
// rooted there.
func NewFileStore(dir string, codec snap.DiffCodec, logger snap.Logger, opts Options) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	bodyCacheSize := opts.BodyCacheSize
	if bodyCacheSize <= 0 {
		bodyCacheSize = DefaultBodyCacheSize
	}

	return &FileStore{
		dir:      dir,
		codec:    codec,
		logger:   logger,
		contents: newBoundedCache[resolved]("content", cacheSize),
		bodies:   newBoundedCache[*snap.Snapshot]("body", bodyCacheSize),
	}, nil
}

// Dir returns the store directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// LoadSnapshot reads a snapshot body, serving repeated loads from memory.
// The returned value is shared and must not be modified.
func (s *FileStore) LoadSnapshot(id string) (*snap.Snapshot, error) {
	if body, ok := s.bodies.get(id); ok {
		return body, nil
	}
	if !snap.IsSnapshotID(id) {
		return nil, &snap.Error{Op: "load snapshot", SnapshotID: id, Err: snap.ErrNotFound}
	}

	data, err := os.ReadFile(s.bodyPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &snap.Error{Op: "load snapshot", SnapshotID: id, Err: snap.ErrNotFound}
		}
		return nil, fmt.Errorf("reading snapshot %s: %w", id, err)
	}

	var body snap.Snapshot
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &snap.Error{Op: "load snapshot", SnapshotID: id, Err: fmt.Errorf("%w: %v", snap.ErrCorrupt, err)}
	}
	if body.ID != id {
		return nil, &snap.Error{Op: "load snapshot", SnapshotID: id, Err: fmt.Errorf("%w: body carries id %q", snap.ErrCorrupt, body.ID)}
	}
	if body.Files == nil {
		body.Files = snap.FileMap{}
	}

	s.bodies.put(id, &body)
	return &body, nil
}

// SaveSnapshot writes a snapshot body, replacing any previous version.
func (s *FileStore) SaveSnapshot(body *snap.Snapshot) error {
	if !snap.IsSnapshotID(body.ID) {
		return fmt.Errorf("invalid snapshot id %q", body.ID)
	}

	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding snapshot %s: %w", body.ID, err)
	}
	if err := os.MkdirAll(filepath.Join(s.dir, body.ID), 0755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	if err := writeFileAtomic(s.bodyPath(body.ID), data); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", body.ID, err)
	}

	s.contents.removePrefix(contentPrefix(body.ID))
	s.bodies.put(body.ID, body.Clone())
	s.logger.Debug("snapshot written", "id", body.ID, "bytes", len(data))
	return nil
}

// DeleteSnapshot removes a snapshot directory. A missing directory is not an error.
func (s *FileStore) DeleteSnapshot(id string) error {
	s.InvalidateSnapshot(id)
	if !snap.IsSnapshotID(id) {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(s.dir, id)); err != nil {
		return fmt.Errorf("removing snapshot %s: %w", id, err)
	}
	return nil
}

// InvalidateSnapshot drops the cached body and every resolved path of id.
func (s *FileStore) InvalidateSnapshot(id string) {
	s.bodies.remove(id)
	s.contents.removePrefix(contentPrefix(id))
}

// InvalidateAll empties both caches.
func (s *FileStore) InvalidateAll() {
	s.bodies.clear()
	s.contents.clear()
}

func (s *FileStore) bodyPath(id string) string {
	return filepath.Join(s.dir, id, bodyFile)
}

// writeFileAtomic replaces path via a temp file and rename in the same directory.
func writeFileAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}
