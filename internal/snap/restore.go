package snap

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ChangeKind classifies one path of a restore.
type ChangeKind int

const (
	// ChangeAdded paths exist in the snapshot but not in the workspace.
	ChangeAdded ChangeKind = iota
	// ChangeModified paths exist in both with different content.
	ChangeModified
	// ChangeDeleted paths exist in the workspace but not in the snapshot.
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeDeleted:
		return "deleted"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// Change is one workspace mutation a restore would perform.
type Change struct {
	Path string
	Kind ChangeKind

	// HasUnsavedChanges is set when an open editor holds unsaved edits to Path.
	HasUnsavedChanges bool
}

// RestoreResult reports what ApplyRestore did.
type RestoreResult struct {
	SnapshotID string
	Written    []string
	Removed    []string
	Failed     []string
}

// ComputeRestoreChanges lists what restoring snapshot id would change in the
// workspace: added, then modified, then deleted, alphabetical within each
// group. Binary files are never proposed.
func (e *Engine) ComputeRestoreChanges(ctx context.Context, id string) ([]Change, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	return e.computeRestoreChanges(ctx, id)
}

func (e *Engine) computeRestoreChanges(ctx context.Context, id string) ([]Change, error) {
	target, err := e.loadSnapshot(id)
	if err != nil {
		return nil, err
	}

	files, err := e.filter.Enumerate(ctx, e.ws)
	if err != nil {
		return nil, fmt.Errorf("enumerating workspace: %w", err)
	}
	binaries, err := e.classifier.Classify(ctx, e.ws, files)
	if err != nil {
		return nil, fmt.Errorf("classifying files: %w", err)
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f.Path] = true
	}

	var changes []Change
	var candidates []string
	for _, p := range target.Files.Paths() {
		switch target.Files[p].(type) {
		case Binary:
		case Deleted:
			if present[p] && !binaries[p] {
				changes = append(changes, Change{Path: p, Kind: ChangeDeleted})
			}
		default:
			if present[p] {
				candidates = append(candidates, p)
			} else {
				changes = append(changes, Change{Path: p, Kind: ChangeAdded})
			}
		}
	}
	for _, f := range files {
		if _, tracked := target.Files[f.Path]; !tracked && !binaries[f.Path] {
			changes = append(changes, Change{Path: f.Path, Kind: ChangeDeleted})
		}
	}

	modified := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.readLimit)
	for i, p := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			current, err := e.ws.ReadFile(p)
			if err != nil {
				return fmt.Errorf("reading %s: %w", p, err)
			}
			want, found, err := e.store.Resolve(gctx, id, p)
			if err != nil {
				return err
			}
			modified[i] = !found || want != string(current)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, p := range candidates {
		if modified[i] {
			changes = append(changes, Change{Path: p, Kind: ChangeModified})
		}
	}

	for i := range changes {
		if changes[i].Kind != ChangeAdded && e.docs != nil {
			changes[i].HasUnsavedChanges = e.docs.HasUnsavedChanges(changes[i].Path)
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Kind != changes[j].Kind {
			return changes[i].Kind < changes[j].Kind
		}
		return changes[i].Path < changes[j].Path
	})
	return changes, nil
}

// ApplyRestore makes the workspace match snapshot id: extraneous text files
// are removed and tracked text files are rewritten. Per-file failures do not
// stop the restore; they are joined into the returned error and the target is
// only marked current when every file succeeded.
func (e *Engine) ApplyRestore(ctx context.Context, id string) (*RestoreResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}

	changes, err := e.computeRestoreChanges(ctx, id)
	if err != nil {
		return nil, err
	}

	e.logger.Info("restore started", "id", id, "changes", len(changes))
	result := &RestoreResult{SnapshotID: id}
	var errs []error
	for _, c := range changes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := e.applyChange(ctx, id, c); err != nil {
			e.logger.Error("restore failed for file", "id", id, "path", c.Path, "error", err)
			result.Failed = append(result.Failed, c.Path)
			errs = append(errs, err)
			continue
		}
		if c.Kind == ChangeDeleted {
			result.Removed = append(result.Removed, c.Path)
		} else {
			result.Written = append(result.Written, c.Path)
		}
	}
	if len(errs) > 0 {
		return result, errors.Join(errs...)
	}

	idx := e.indexOf(id)
	if err := e.saveIndex(e.entries, idx); err != nil {
		return result, err
	}
	e.current = idx

	e.logger.Info("restore completed", "id", id, "written", len(result.Written), "removed", len(result.Removed))
	e.emit(EventRestored, id)
	return result, nil
}

func (e *Engine) applyChange(ctx context.Context, id string, c Change) error {
	if c.Kind == ChangeDeleted {
		if err := e.ws.Remove(c.Path); err != nil {
			return &Error{Op: "remove", Path: c.Path, Err: err}
		}
		return nil
	}

	content, found, err := e.store.Resolve(ctx, id, c.Path)
	if err != nil {
		return err
	}
	if !found {
		return &Error{Op: "restore", SnapshotID: id, Path: c.Path, Err: ErrNotFound}
	}
	if err := e.ws.WriteFile(c.Path, []byte(content)); err != nil {
		return &Error{Op: "write", Path: c.Path, Err: err}
	}
	return nil
}
