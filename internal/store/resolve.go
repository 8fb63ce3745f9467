package store

import (
	"context"
	"fmt"

	"wsnap/internal/snap"
)

// resolved is a memoized resolution. found is false for deleted or absent paths.
type resolved struct {
	content string
	found   bool
}

// link is one Delta or Unchanged entry waiting for its base content.
type link struct {
	id    string
	entry snap.FileEntry
}

func contentPrefix(id string) string {
	return id + "\x00"
}

func contentKey(id, path string) string {
	return contentPrefix(id) + path
}

// Resolve reconstructs path's content at snapshot id by walking base links.
// Successful results are memoized for every snapshot on the walked chain;
// failures are never cached. Concurrent calls for the same key share one walk,
// which is not canceled with any single caller's ctx.
func (s *FileStore) Resolve(ctx context.Context, id, path string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	key := contentKey(id, path)
	if r, ok := s.contents.get(key); ok {
		return r.content, r.found, nil
	}

	walkCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (any, error) {
		return s.resolveChain(walkCtx, id, path)
	})

	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			resolveFailures.Inc()
			s.logger.Debug("resolution failed", "id", id, "path", path, "error", res.Err)
			return "", false, res.Err
		}
		r := res.Val.(resolved)
		return r.content, r.found, nil
	}
}

// resolveChain walks from id toward the nearest Full entry, then replays the
// collected links in reverse. The walk uses an explicit stack so chain length
// is bounded only by memory.
func (s *FileStore) resolveChain(ctx context.Context, id, path string) (resolved, error) {
	var stack []link
	visited := make(map[string]bool)
	cur := id

	var result resolved
walk:
	for {
		if err := ctx.Err(); err != nil {
			return resolved{}, err
		}
		top := len(stack) == 0

		if !top {
			if r, ok := s.contents.get(contentKey(cur, path)); ok {
				if !r.found {
					return resolved{}, s.chainError(id, path, "base snapshot %s does not hold the file", cur)
				}
				result = r
				break walk
			}
		}
		if visited[cur] {
			return resolved{}, s.chainError(id, path, "cycle through snapshot %s", cur)
		}
		visited[cur] = true

		body, err := s.LoadSnapshot(cur)
		if err != nil {
			if top {
				return resolved{}, err
			}
			return resolved{}, s.chainError(id, path, "base snapshot %s unavailable: %v", cur, err)
		}

		switch e := body.Files[path].(type) {
		case snap.Full:
			result = resolved{content: e.Content, found: true}
			s.contents.put(contentKey(cur, path), result)
			break walk
		case snap.Delta:
			stack = append(stack, link{id: cur, entry: e})
			cur = e.Base
		case snap.Unchanged:
			stack = append(stack, link{id: cur, entry: e})
			cur = e.Base
		case snap.Binary:
			if top {
				return resolved{}, &snap.Error{Op: "resolve", SnapshotID: id, Path: path, Err: snap.ErrBinaryContent}
			}
			return resolved{}, s.chainError(id, path, "base snapshot %s holds a binary marker", cur)
		default:
			// Deleted or never recorded.
			if !top {
				return resolved{}, s.chainError(id, path, "base snapshot %s does not hold the file", cur)
			}
			result = resolved{}
			s.contents.put(contentKey(cur, path), result)
			break walk
		}
	}

	for i := len(stack) - 1; i >= 0; i-- {
		l := stack[i]
		if d, ok := l.entry.(snap.Delta); ok {
			content, err := s.codec.Apply(result.content, d.Diff, path)
			if err != nil {
				return resolved{}, &snap.Error{Op: "resolve", SnapshotID: l.id, Path: path, Err: err}
			}
			result = resolved{content: content, found: true}
		}
		s.contents.put(contentKey(l.id, path), result)
	}
	return result, nil
}

func (s *FileStore) chainError(id, path, format string, args ...any) error {
	return &snap.Error{
		Op:         "resolve",
		SnapshotID: id,
		Path:       path,
		Err:        fmt.Errorf("%w: broken diff chain: %s", snap.ErrCorrupt, fmt.Sprintf(format, args...)),
	}
}
