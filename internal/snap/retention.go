package snap

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// evict removes the oldest snapshots above the retention ceiling. A victim
// that a retained entry still needs as a base, because that entry could not
// be flattened, is kept together with every older victim. Callers must hold
// e.mu.
func (e *Engine) evict(ctx context.Context) error {
	if e.maxSnapshots < 0 || len(e.entries) <= e.maxSnapshots {
		return nil
	}

	excess := len(e.entries) - e.maxSnapshots
	victims := e.entries[:excess]

	doomed := make(map[string]bool, len(victims))
	for _, v := range victims {
		doomed[v.ID] = true
	}
	pinned, err := e.flatten(ctx, doomed, e.entries[excess:])
	if err != nil {
		return err
	}
	for i := len(victims) - 1; i >= 0; i-- {
		if cause, ok := pinned[victims[i].ID]; ok {
			e.logger.Warn("eviction stopped at a snapshot still needed as a base", "id", victims[i].ID, "kept", i+1, "error", cause)
			excess -= i + 1
			victims = victims[i+1:]
			break
		}
	}
	if excess == 0 {
		return nil
	}
	retained := slices.Clone(e.entries[excess:])

	current := e.current - excess
	if current < 0 && len(retained) > 0 {
		current = 0
	}
	if err := e.saveIndex(retained, current); err != nil {
		return err
	}
	e.entries = retained
	e.current = current

	var errs []error
	for _, v := range victims {
		if err := e.store.DeleteSnapshot(v.ID); err != nil {
			e.logger.Error("evicted snapshot body not removed", "id", v.ID, "error", err)
			errs = append(errs, fmt.Errorf("deleting %s: %w", v.ID, err))
		}
		e.store.InvalidateSnapshot(v.ID)
		e.logger.Info("snapshot evicted", "id", v.ID)
		e.emit(EventEvicted, v.ID)
	}
	return errors.Join(errs...)
}

// Delete removes one snapshot. Entries of later snapshots that depend on it
// are rewritten as self-contained first.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return err
	}

	pos := e.indexOf(id)
	if pos < 0 {
		return &Error{Op: "delete", SnapshotID: id, Err: ErrNotFound}
	}

	pinned, err := e.flatten(ctx, map[string]bool{id: true}, e.entries[pos+1:])
	if err != nil {
		return err
	}
	if cause, ok := pinned[id]; ok {
		return &Error{Op: "delete", SnapshotID: id, Err: fmt.Errorf("a later snapshot depends on it and cannot be flattened: %w", cause)}
	}

	next := slices.Delete(slices.Clone(e.entries), pos, pos+1)
	current := e.current
	switch {
	case len(next) == 0:
		current = -1
	case pos <= current:
		current--
	}
	if err := e.saveIndex(next, current); err != nil {
		return err
	}
	e.entries = next
	e.current = current

	e.store.InvalidateSnapshot(id)
	if err := e.store.DeleteSnapshot(id); err != nil {
		e.logger.Error("snapshot body not removed", "id", id, "error", err)
		return fmt.Errorf("deleting snapshot %s: %w", id, err)
	}

	e.logger.Info("snapshot deleted", "id", id)
	e.emit(EventDeleted, id)
	return nil
}

// flatten rewrites every entry of the given snapshots that names a doomed
// snapshot as its base. Text entries become Full with their resolved content
// and binary markers lose their lineage reference. Must run while the doomed
// bodies still exist. Entries that cannot be resolved are left as they are,
// and their doomed bases are returned as pinned with the resolution error.
func (e *Engine) flatten(ctx context.Context, doomed map[string]bool, snapshots []IndexEntry) (map[string]error, error) {
	pinned := make(map[string]error)
	for _, ie := range snapshots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s, err := e.store.LoadSnapshot(ie.ID)
		if err != nil {
			return nil, fmt.Errorf("loading snapshot %s: %w", ie.ID, err)
		}

		var rewritten *Snapshot
		for _, p := range s.Files.Paths() {
			entry := s.Files[p]
			if !doomed[entry.BaseID()] {
				continue
			}
			if rewritten == nil {
				rewritten = s.Clone()
			}

			if IsBinary(entry) {
				rewritten.Files[p] = Binary{}
				continue
			}
			content, found, err := e.store.Resolve(ctx, s.ID, p)
			if err == nil && !found {
				err = &Error{Op: "flatten", SnapshotID: s.ID, Path: p, Err: ErrCorrupt}
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				e.logger.Warn("dependent entry unresolvable, base kept", "id", s.ID, "path", p, "base", entry.BaseID(), "error", err)
				if _, ok := pinned[entry.BaseID()]; !ok {
					pinned[entry.BaseID()] = err
				}
				continue
			}
			rewritten.Files[p] = Full{Content: content}
		}

		if rewritten == nil {
			continue
		}
		if err := e.store.SaveSnapshot(rewritten); err != nil {
			return nil, fmt.Errorf("saving flattened snapshot %s: %w", s.ID, err)
		}
		e.logger.Debug("dependent entries flattened", "id", s.ID)
	}
	return pinned, nil
}

// ContextUpdate names the user context fields to change. Nil fields are kept.
type ContextUpdate struct {
	Description   *string
	Tags          *[]string
	Notes         *string
	TaskReference *string
	IsFavorite    *bool
}

// UpdateContext rewrites the context fields of snapshot id. The index is
// rewritten too when the description changes.
func (e *Engine) UpdateContext(ctx context.Context, id string, u ContextUpdate) (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}

	s, err := e.loadSnapshot(id)
	if err != nil {
		return nil, err
	}
	updated := s.Clone()
	if u.Description != nil {
		updated.Description = *u.Description
	}
	if u.Tags != nil {
		updated.Tags = uniqueTags(*u.Tags)
	}
	if u.Notes != nil {
		updated.Notes = *u.Notes
	}
	if u.TaskReference != nil {
		updated.TaskReference = *u.TaskReference
	}
	if u.IsFavorite != nil {
		updated.IsFavorite = *u.IsFavorite
	}

	if err := e.store.SaveSnapshot(updated); err != nil {
		return nil, fmt.Errorf("saving snapshot %s: %w", id, err)
	}

	if updated.Description != s.Description {
		next := slices.Clone(e.entries)
		next[e.indexOf(id)] = updated.Summary()
		if err := e.saveIndex(next, e.current); err != nil {
			return nil, err
		}
		e.entries = next
	}

	e.logger.Info("snapshot context updated", "id", id)
	e.emit(EventUpdated, id)
	return updated.Clone(), nil
}
