package snap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// CreateOptions carries the user context and mode of a new snapshot.
type CreateOptions struct {
	Tags          []string
	Notes         string
	TaskReference string
	IsFavorite    bool

	// IsSelective limits processing to SelectedFiles. Every other path tracked
	// by the base snapshot is carried forward unchanged.
	IsSelective   bool
	SelectedFiles []string

	// Auto marks an unattended snapshot. When nothing changed since the current
	// snapshot, Create returns the current snapshot without writing anything.
	Auto bool
}

// textResult is the outcome of processing one text path.
type textResult struct {
	entry   FileEntry
	changed bool
	missing bool
}

// Create records the current workspace state as a new snapshot diffed against
// the current one, then applies retention.
func (e *Engine) Create(ctx context.Context, description string, opts CreateOptions) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}

	base, err := e.currentSnapshot()
	if err != nil {
		return nil, fmt.Errorf("loading base snapshot: %w", err)
	}

	files, err := e.filter.Enumerate(ctx, e.ws)
	if err != nil {
		return nil, fmt.Errorf("enumerating workspace: %w", err)
	}

	var selected map[string]bool
	if opts.IsSelective {
		selected = make(map[string]bool, len(opts.SelectedFiles))
		for _, p := range opts.SelectedFiles {
			selected[p] = true
		}
		files = slices.DeleteFunc(files, func(f FileInfo) bool { return !selected[f.Path] })
	}

	binaries, err := e.classifier.Classify(ctx, e.ws, files)
	if err != nil {
		return nil, fmt.Errorf("classifying files: %w", err)
	}

	results := make([]textResult, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.readLimit)
	for i, f := range files {
		if binaries[f.Path] {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := e.processText(gctx, base, f.Path)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := make(FileMap, len(files))
	changed := false
	for i, f := range files {
		if binaries[f.Path] {
			entry, c := binaryEntry(base, f.Path)
			entries[f.Path] = entry
			changed = changed || c
			continue
		}
		if results[i].missing {
			continue
		}
		entries[f.Path] = results[i].entry
		changed = changed || results[i].changed
	}

	if base != nil {
		for _, p := range base.Files.Paths() {
			prev := base.Files[p]
			if !IsTracked(prev) {
				continue
			}
			if _, ok := entries[p]; ok {
				continue
			}
			if opts.IsSelective && !selected[p] {
				entries[p] = carryForward(base.ID, prev)
				continue
			}
			entries[p] = Deleted{}
			changed = true
		}
	}

	if opts.Auto && base != nil && !changed {
		e.logger.Debug("auto snapshot skipped, no changes", "current", base.ID)
		return base.Clone(), nil
	}

	s := e.newSnapshot(description, opts)
	s.Files = entries

	if err := e.store.SaveSnapshot(s); err != nil {
		e.logger.Error("snapshot write failed", "id", s.ID, "error", err)
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}

	next := append(slices.Clone(e.entries), s.Summary())
	if err := e.saveIndex(next, len(next)-1); err != nil {
		if derr := e.store.DeleteSnapshot(s.ID); derr != nil {
			e.logger.Warn("orphan snapshot body left behind", "id", s.ID, "error", derr)
		}
		return nil, err
	}
	e.entries = next
	e.current = len(next) - 1

	e.logger.Info("snapshot created", "id", s.ID, "files", len(entries), "selective", opts.IsSelective, "auto", opts.Auto)
	e.emit(EventCreated, s.ID)

	if err := e.evict(ctx); err != nil {
		return s.Clone(), fmt.Errorf("applying retention: %w", err)
	}
	return s.Clone(), nil
}

// processText reads one text path and decides its entry against base.
func (e *Engine) processText(ctx context.Context, base *Snapshot, path string) (textResult, error) {
	data, err := e.ws.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			e.logger.Debug("file vanished before read", "path", path)
			return textResult{missing: true}, nil
		}
		return textResult{}, fmt.Errorf("reading %s: %w", path, err)
	}
	content := string(data)

	if base == nil {
		return textResult{entry: Full{Content: content}, changed: true}, nil
	}
	prev, ok := base.Files[path]
	if !ok || !IsTracked(prev) || IsBinary(prev) {
		return textResult{entry: Full{Content: content}, changed: true}, nil
	}

	old, found, err := e.store.Resolve(ctx, base.ID, path)
	if err != nil || !found {
		if ctx.Err() != nil {
			return textResult{}, ctx.Err()
		}
		e.logger.Warn("base content unavailable, storing full content", "base", base.ID, "path", path, "error", err)
		return textResult{entry: Full{Content: content}, changed: true}, nil
	}

	if old == content {
		return textResult{entry: Unchanged{Base: base.ID}}, nil
	}
	patch := e.codec.Create(path, old, content)
	if got, err := e.codec.Apply(old, patch, path); err != nil || got != content {
		e.logger.Warn("patch does not reproduce content, storing full content", "base", base.ID, "path", path, "error", err)
		return textResult{entry: Full{Content: content}, changed: true}, nil
	}
	return textResult{entry: Delta{Diff: patch, Base: base.ID}, changed: true}, nil
}

// binaryEntry builds the presence marker for a binary path. A binary file is a
// change when base did not already record it as binary.
func binaryEntry(base *Snapshot, path string) (FileEntry, bool) {
	if base == nil {
		return Binary{}, true
	}
	prev, ok := base.Files[path]
	if !ok || !IsTracked(prev) {
		return Binary{}, true
	}
	return Binary{Base: base.ID}, !IsBinary(prev)
}

// carryForward re-references an unselected path of a selective snapshot.
func carryForward(baseID string, prev FileEntry) FileEntry {
	if IsBinary(prev) {
		return Binary{Base: baseID}
	}
	return Unchanged{Base: baseID}
}

// newSnapshot stamps id, time and context. Timestamps strictly increase along
// the history even when the clock does not.
func (e *Engine) newSnapshot(description string, opts CreateOptions) *Snapshot {
	now := e.clock.Now()
	if n := len(e.entries); n > 0 && now.UnixMilli() <= e.entries[n-1].Timestamp {
		now = time.UnixMilli(e.entries[n-1].Timestamp + 1)
	}

	s := &Snapshot{
		ID:            NewSnapshotID(now, e.idgen.New()),
		Timestamp:     now.UnixMilli(),
		Description:   description,
		Tags:          uniqueTags(opts.Tags),
		Notes:         opts.Notes,
		TaskReference: opts.TaskReference,
		IsFavorite:    opts.IsFavorite,
		IsSelective:   opts.IsSelective,
	}
	if opts.IsSelective {
		s.SelectedFiles = slices.Clone(opts.SelectedFiles)
		slices.Sort(s.SelectedFiles)
		s.SelectedFiles = slices.Compact(s.SelectedFiles)
	}

	if e.vcs != nil {
		branch, revision, err := e.vcs.Current(e.ws.Root())
		if err != nil {
			e.logger.Debug("vcs lookup failed", "error", err)
		} else {
			s.VCSBranch = branch
			s.VCSRevision = revision
		}
	}
	return s
}

// uniqueTags drops empty and repeated tags, keeping first occurrences in order.
func uniqueTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
