package snap_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"wsnap/internal/classify"
	"wsnap/internal/diff"
	"wsnap/internal/fs"
	"wsnap/internal/snap"
	"wsnap/internal/store"
	"wsnap/internal/testutil"
)

func mustCreate(t *testing.T, eng *snap.Engine, description string, opts snap.CreateOptions) *snap.Snapshot {
	t.Helper()
	s, err := eng.Create(context.Background(), description, opts)
	if err != nil {
		t.Fatalf("Create(%q) error = %v", description, err)
	}
	return s
}

func mustResolve(t *testing.T, eng *snap.Engine, id, path string) (string, bool) {
	t.Helper()
	content, found, err := eng.ResolveFileContent(context.Background(), id, path)
	if err != nil {
		t.Fatalf("ResolveFileContent(%s, %s) error = %v", id, path, err)
	}
	return content, found
}

func snapshotIDs(t *testing.T, eng *snap.Engine) []string {
	t.Helper()
	entries, err := eng.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots() error = %v", err)
	}
	var ids []string
	for _, ie := range entries {
		ids = append(ids, ie.ID)
	}
	return ids
}

func currentIndex(t *testing.T, eng *snap.Engine) int {
	t.Helper()
	idx, err := eng.CurrentIndex()
	if err != nil {
		t.Fatalf("CurrentIndex() error = %v", err)
	}
	return idx
}

func TestEngine_TextLifecycle(t *testing.T) {
	ctx := context.Background()
	ws := testutil.NewMemoryWorkspace()
	eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})

	ws.AddFile("a.txt", "hello")
	s1 := mustCreate(t, eng, "first", snap.CreateOptions{})
	if got, want := s1.Files["a.txt"], (snap.Full{Content: "hello"}); got != want {
		t.Fatalf("S1 a.txt = %#v, want %#v", got, want)
	}

	ws.AddFile("a.txt", "hello world")
	s2 := mustCreate(t, eng, "second", snap.CreateOptions{})
	delta, ok := s2.Files["a.txt"].(snap.Delta)
	if !ok || delta.Base != s1.ID {
		t.Fatalf("S2 a.txt = %#v, want Delta against %s", s2.Files["a.txt"], s1.ID)
	}
	if content, found := mustResolve(t, eng, s2.ID, "a.txt"); !found || content != "hello world" {
		t.Errorf("resolve at S2 = (%q, %v), want (hello world, true)", content, found)
	}

	ws.DeleteFile("a.txt")
	s3 := mustCreate(t, eng, "third", snap.CreateOptions{})
	if _, ok := s3.Files["a.txt"].(snap.Deleted); !ok {
		t.Fatalf("S3 a.txt = %#v, want Deleted", s3.Files["a.txt"])
	}
	if content, found := mustResolve(t, eng, s3.ID, "a.txt"); found || content != "" {
		t.Errorf("resolve at S3 = (%q, %v), want not found", content, found)
	}

	ws.AddFile("a.txt", "hello world")
	changes, err := eng.ComputeRestoreChanges(ctx, s3.ID)
	if err != nil {
		t.Fatalf("ComputeRestoreChanges() error = %v", err)
	}
	want := []snap.Change{{Path: "a.txt", Kind: snap.ChangeDeleted}}
	if !slices.Equal(changes, want) {
		t.Errorf("ComputeRestoreChanges() = %v, want %v", changes, want)
	}
}

func TestEngine_BinaryFiles(t *testing.T) {
	ctx := context.Background()
	ws := testutil.NewMemoryWorkspace()
	eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})

	ws.AddFile("readme.md", "docs\n")
	s0 := mustCreate(t, eng, "text only", snap.CreateOptions{})

	ws.AddBytes("logo.png", []byte{0x89, 'P', 'N', 'G', 0, 0})
	s1 := mustCreate(t, eng, "with logo", snap.CreateOptions{})

	t.Run("records presence only", func(t *testing.T) {
		if got := s1.Files["logo.png"]; got != (snap.Binary{}) {
			t.Errorf("logo.png entry = %#v, want Binary{}", got)
		}
		_, _, err := eng.ResolveFileContent(ctx, s1.ID, "logo.png")
		if !errors.Is(err, snap.ErrBinaryContent) {
			t.Errorf("ResolveFileContent(logo.png) error = %v, want ErrBinaryContent", err)
		}
	})

	t.Run("later snapshots reference lineage", func(t *testing.T) {
		s2 := mustCreate(t, eng, "again", snap.CreateOptions{})
		if got := s2.Files["logo.png"]; got != (snap.Binary{Base: s1.ID}) {
			t.Errorf("logo.png entry = %#v, want Binary{Base: %s}", got, s1.ID)
		}
	})

	t.Run("never proposed for deletion", func(t *testing.T) {
		changes, err := eng.ComputeRestoreChanges(ctx, s0.ID)
		if err != nil {
			t.Fatalf("ComputeRestoreChanges() error = %v", err)
		}
		if len(changes) != 0 {
			t.Errorf("ComputeRestoreChanges() = %v, want none", changes)
		}
	})

	t.Run("survives restore", func(t *testing.T) {
		if _, err := eng.ApplyRestore(ctx, s0.ID); err != nil {
			t.Fatalf("ApplyRestore() error = %v", err)
		}
		if _, ok := ws.Content("logo.png"); !ok {
			t.Error("logo.png was removed by restore")
		}
	})
}

func TestEngine_DeletionTracking(t *testing.T) {
	ws := testutil.NewMemoryWorkspace()
	eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})

	ws.AddFile("keep.txt", "k")
	ws.AddFile("gone.txt", "g")
	mustCreate(t, eng, "both", snap.CreateOptions{})

	ws.DeleteFile("gone.txt")
	s2 := mustCreate(t, eng, "one left", snap.CreateOptions{})
	if _, ok := s2.Files["gone.txt"].(snap.Deleted); !ok {
		t.Errorf("gone.txt = %#v, want Deleted", s2.Files["gone.txt"])
	}

	// A path already recorded as deleted is not carried into later snapshots.
	s3 := mustCreate(t, eng, "still one", snap.CreateOptions{})
	if _, ok := s3.Files["gone.txt"]; ok {
		t.Errorf("gone.txt carried into S3 as %#v", s3.Files["gone.txt"])
	}
	if got := s3.Files["keep.txt"]; got != (snap.Unchanged{Base: s2.ID}) {
		t.Errorf("keep.txt = %#v, want Unchanged{Base: %s}", got, s2.ID)
	}
}

func TestEngine_AutoSnapshot(t *testing.T) {
	ws := testutil.NewMemoryWorkspace()
	eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})

	t.Run("first auto snapshot is always taken", func(t *testing.T) {
		ws.AddFile("notes", "a")
		mustCreate(t, eng, "auto", snap.CreateOptions{Auto: true})
		if n := len(snapshotIDs(t, eng)); n != 1 {
			t.Fatalf("got %d snapshots, want 1", n)
		}
	})

	t.Run("no changes returns current", func(t *testing.T) {
		before := snapshotIDs(t, eng)
		s := mustCreate(t, eng, "auto", snap.CreateOptions{Auto: true})
		if s.ID != before[0] {
			t.Errorf("Create() = %s, want current %s", s.ID, before[0])
		}
		if n := len(snapshotIDs(t, eng)); n != 1 {
			t.Errorf("got %d snapshots, want 1", n)
		}
	})

	t.Run("manual snapshot without changes is taken", func(t *testing.T) {
		mustCreate(t, eng, "manual", snap.CreateOptions{})
		if n := len(snapshotIDs(t, eng)); n != 2 {
			t.Errorf("got %d snapshots, want 2", n)
		}
	})

	t.Run("text to binary switch counts as a change", func(t *testing.T) {
		ws.AddBytes("notes", []byte{0, 1, 2, 3})
		s := mustCreate(t, eng, "auto", snap.CreateOptions{Auto: true})
		if !snap.IsBinary(s.Files["notes"]) {
			t.Errorf("notes = %#v, want Binary", s.Files["notes"])
		}
		if n := len(snapshotIDs(t, eng)); n != 3 {
			t.Errorf("got %d snapshots, want 3", n)
		}
	})

	t.Run("deletion counts as a change", func(t *testing.T) {
		ws.DeleteFile("notes")
		mustCreate(t, eng, "auto", snap.CreateOptions{Auto: true})
		if n := len(snapshotIDs(t, eng)); n != 4 {
			t.Errorf("got %d snapshots, want 4", n)
		}
	})
}

func TestEngine_SelectiveSnapshot(t *testing.T) {
	ws := testutil.NewMemoryWorkspace()
	eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})

	ws.AddFile("a.txt", "a1")
	ws.AddFile("b.txt", "b1")
	ws.AddFile("c.txt", "c1")
	s1 := mustCreate(t, eng, "all", snap.CreateOptions{})

	ws.AddFile("a.txt", "a2")
	ws.AddFile("b.txt", "b2")
	ws.DeleteFile("c.txt")
	s2 := mustCreate(t, eng, "only a and c", snap.CreateOptions{
		IsSelective:   true,
		SelectedFiles: []string{"c.txt", "a.txt", "a.txt"},
	})

	if _, ok := s2.Files["a.txt"].(snap.Delta); !ok {
		t.Errorf("a.txt = %#v, want Delta", s2.Files["a.txt"])
	}
	if got := s2.Files["b.txt"]; got != (snap.Unchanged{Base: s1.ID}) {
		t.Errorf("b.txt = %#v, want carried forward from %s", got, s1.ID)
	}
	if _, ok := s2.Files["c.txt"].(snap.Deleted); !ok {
		t.Errorf("c.txt = %#v, want Deleted", s2.Files["c.txt"])
	}
	if want := []string{"a.txt", "c.txt"}; !slices.Equal(s2.SelectedFiles, want) {
		t.Errorf("SelectedFiles = %v, want %v", s2.SelectedFiles, want)
	}
	if content, _ := mustResolve(t, eng, s2.ID, "b.txt"); content != "b1" {
		t.Errorf("b.txt at S2 = %q, want b1", content)
	}
}

func TestEngine_Eviction(t *testing.T) {
	ctx := context.Background()
	ws := testutil.NewMemoryWorkspace()
	eng, st := testutil.NewTestEngine(t, ws, snap.Options{MaxSnapshots: 3})

	var created []*snap.Snapshot
	for _, v := range []string{"v1\n", "v2\n", "v3\n", "v4\n", "v5\n"} {
		ws.AddFile("a.txt", v)
		ws.AddFile("static.txt", "same\n")
		created = append(created, mustCreate(t, eng, v, snap.CreateOptions{}))
	}

	wantIDs := []string{created[2].ID, created[3].ID, created[4].ID}
	if got := snapshotIDs(t, eng); !slices.Equal(got, wantIDs) {
		t.Fatalf("Snapshots() = %v, want %v", got, wantIDs)
	}
	if got := currentIndex(t, eng); got != 2 {
		t.Errorf("CurrentIndex() = %d, want 2", got)
	}

	for _, s := range created[:2] {
		if _, err := os.Stat(filepath.Join(st.Dir(), s.ID)); !os.IsNotExist(err) {
			t.Errorf("body of evicted %s still on disk", s.ID)
		}
		if _, err := eng.Snapshot(s.ID); !errors.Is(err, snap.ErrNotFound) {
			t.Errorf("Snapshot(%s) error = %v, want ErrNotFound", s.ID, err)
		}
	}

	oldest, err := eng.Snapshot(created[2].ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	for _, p := range []string{"a.txt", "static.txt"} {
		if kind := snap.KindOf(oldest.Files[p]); kind != snap.KindFull {
			t.Errorf("oldest retained %s is %s, want full", p, kind)
		}
	}

	for i, s := range created[2:] {
		want := []string{"v3\n", "v4\n", "v5\n"}[i]
		content, found, err := eng.ResolveFileContent(ctx, s.ID, "a.txt")
		if err != nil || !found || content != want {
			t.Errorf("a.txt at %s = (%q, %v, %v), want %q", s.ID, content, found, err, want)
		}
		if content, _ := mustResolve(t, eng, s.ID, "static.txt"); content != "same\n" {
			t.Errorf("static.txt at %s = %q", s.ID, content)
		}
	}
}

func TestEngine_EvictionKeepsLogicalCurrent(t *testing.T) {
	ctx := context.Background()
	ws := testutil.NewMemoryWorkspace()
	eng, _ := testutil.NewTestEngine(t, ws, snap.Options{MaxSnapshots: 2})

	ws.AddFile("a.txt", "1")
	mustCreate(t, eng, "one", snap.CreateOptions{})
	ws.AddFile("a.txt", "2")
	s2 := mustCreate(t, eng, "two", snap.CreateOptions{})
	ws.AddFile("a.txt", "3")
	s3 := mustCreate(t, eng, "three", snap.CreateOptions{})

	if _, err := eng.ApplyRestore(ctx, s2.ID); err != nil {
		t.Fatalf("ApplyRestore() error = %v", err)
	}
	if got := currentIndex(t, eng); got != 0 {
		t.Fatalf("CurrentIndex() after restore = %d, want 0", got)
	}
	if content, _ := ws.Content("a.txt"); content != "2" {
		t.Errorf("a.txt after restore = %q, want 2", content)
	}

	ws.AddFile("a.txt", "4")
	s4 := mustCreate(t, eng, "four", snap.CreateOptions{})
	if got := snapshotIDs(t, eng); !slices.Equal(got, []string{s3.ID, s4.ID}) {
		t.Errorf("Snapshots() = %v", got)
	}
	cur, err := eng.Current()
	if err != nil || cur.ID != s4.ID {
		t.Errorf("Current() = %v, %v, want %s", cur, err, s4.ID)
	}
	if d, ok := s4.Files["a.txt"].(snap.Delta); !ok || d.Base != s2.ID {
		t.Errorf("S4 a.txt = %#v, want Delta against restored %s", s4.Files["a.txt"], s2.ID)
	}

	// s4 diffed against s2, which has just been evicted; it must have been
	// flattened first.
	if content, _ := mustResolve(t, eng, s4.ID, "a.txt"); content != "4" {
		t.Errorf("a.txt at S4 = %q, want 4", content)
	}
}

func TestEngine_Delete(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*snap.Engine, []*snap.Snapshot) {
		t.Helper()
		ws := testutil.NewMemoryWorkspace()
		eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})
		var created []*snap.Snapshot
		for _, v := range []string{"a", "b", "c"} {
			ws.AddFile("f.txt", v)
			created = append(created, mustCreate(t, eng, v, snap.CreateOptions{}))
		}
		return eng, created
	}

	t.Run("middle snapshot before current", func(t *testing.T) {
		eng, created := setup(t)
		if err := eng.Delete(ctx, created[1].ID); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if got := currentIndex(t, eng); got != 1 {
			t.Errorf("CurrentIndex() = %d, want 1", got)
		}
		if content, _ := mustResolve(t, eng, created[2].ID, "f.txt"); content != "c" {
			t.Errorf("f.txt at S3 = %q, want c", content)
		}
		last, err := eng.Snapshot(created[2].ID)
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}
		if kind := snap.KindOf(last.Files["f.txt"]); kind != snap.KindFull {
			t.Errorf("dependent entry kind = %s, want full", kind)
		}
	})

	t.Run("snapshot after current", func(t *testing.T) {
		eng, created := setup(t)
		if _, err := eng.ApplyRestore(ctx, created[0].ID); err != nil {
			t.Fatalf("ApplyRestore() error = %v", err)
		}
		if err := eng.Delete(ctx, created[2].ID); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if got := currentIndex(t, eng); got != 0 {
			t.Errorf("CurrentIndex() = %d, want 0", got)
		}
	})

	t.Run("last remaining snapshot", func(t *testing.T) {
		ws := testutil.NewMemoryWorkspace()
		eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})
		ws.AddFile("f.txt", "x")
		s := mustCreate(t, eng, "only", snap.CreateOptions{})
		if err := eng.Delete(ctx, s.ID); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if got := currentIndex(t, eng); got != -1 {
			t.Errorf("CurrentIndex() = %d, want -1", got)
		}
		cur, err := eng.Current()
		if err != nil || cur != nil {
			t.Errorf("Current() = %v, %v, want nil", cur, err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		eng, _ := setup(t)
		if err := eng.Delete(ctx, "snapshot-1-missing"); !errors.Is(err, snap.ErrNotFound) {
			t.Errorf("Delete() error = %v, want ErrNotFound", err)
		}
	})
}

func TestEngine_UpdateContext(t *testing.T) {
	ctx := context.Background()
	ws := testutil.NewMemoryWorkspace()
	eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})
	ws.AddFile("a.txt", "a")
	s := mustCreate(t, eng, "draft", snap.CreateOptions{Tags: []string{"wip"}})

	desc := "final"
	tags := []string{"release", "", "release", "v1"}
	fav := true
	updated, err := eng.UpdateContext(ctx, s.ID, snap.ContextUpdate{Description: &desc, Tags: &tags, IsFavorite: &fav})
	if err != nil {
		t.Fatalf("UpdateContext() error = %v", err)
	}
	if updated.Description != "final" || !updated.IsFavorite {
		t.Errorf("UpdateContext() = %+v", updated)
	}
	if want := []string{"release", "v1"}; !slices.Equal(updated.Tags, want) {
		t.Errorf("Tags = %v, want %v", updated.Tags, want)
	}

	entries, _ := eng.Snapshots()
	if entries[0].Description != "final" {
		t.Errorf("index description = %q, want final", entries[0].Description)
	}
	reloaded, err := eng.Snapshot(s.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if reloaded.Notes != "" || reloaded.Files["a.txt"] != (snap.Full{Content: "a"}) {
		t.Errorf("untouched fields changed: %+v", reloaded)
	}

	if _, err := eng.UpdateContext(ctx, "snapshot-1-nope", snap.ContextUpdate{}); !errors.Is(err, snap.ErrNotFound) {
		t.Errorf("UpdateContext(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestEngine_ApplyRestore(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testutil.MemoryWorkspace, *snap.Engine, *snap.Snapshot) {
		t.Helper()
		ws := testutil.NewMemoryWorkspace()
		eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})
		ws.AddFile("a.txt", "one\n")
		ws.AddFile("b.txt", "bee\n")
		s1 := mustCreate(t, eng, "base", snap.CreateOptions{})

		ws.AddFile("a.txt", "two\n")
		ws.DeleteFile("b.txt")
		ws.AddFile("c.txt", "new\n")
		mustCreate(t, eng, "edited", snap.CreateOptions{})
		return ws, eng, s1
	}

	t.Run("computes ordered changes", func(t *testing.T) {
		_, eng, s1 := setup(t)
		changes, err := eng.ComputeRestoreChanges(ctx, s1.ID)
		if err != nil {
			t.Fatalf("ComputeRestoreChanges() error = %v", err)
		}
		want := []snap.Change{
			{Path: "b.txt", Kind: snap.ChangeAdded},
			{Path: "a.txt", Kind: snap.ChangeModified},
			{Path: "c.txt", Kind: snap.ChangeDeleted},
		}
		if !slices.Equal(changes, want) {
			t.Errorf("ComputeRestoreChanges() = %v, want %v", changes, want)
		}
	})

	t.Run("restores workspace and marks current", func(t *testing.T) {
		ws, eng, s1 := setup(t)
		result, err := eng.ApplyRestore(ctx, s1.ID)
		if err != nil {
			t.Fatalf("ApplyRestore() error = %v", err)
		}
		if want := []string{"b.txt", "a.txt"}; !slices.Equal(result.Written, want) {
			t.Errorf("Written = %v, want %v", result.Written, want)
		}
		if want := []string{"c.txt"}; !slices.Equal(result.Removed, want) {
			t.Errorf("Removed = %v, want %v", result.Removed, want)
		}
		if got, want := ws.Paths(), []string{"a.txt", "b.txt"}; !slices.Equal(got, want) {
			t.Errorf("workspace paths = %v, want %v", got, want)
		}
		if content, _ := ws.Content("a.txt"); content != "one\n" {
			t.Errorf("a.txt = %q, want one", content)
		}
		if got := currentIndex(t, eng); got != 0 {
			t.Errorf("CurrentIndex() = %d, want 0", got)
		}

		changes, err := eng.ComputeRestoreChanges(ctx, s1.ID)
		if err != nil || len(changes) != 0 {
			t.Errorf("changes after restore = %v, %v, want none", changes, err)
		}
	})

	t.Run("continues past failures", func(t *testing.T) {
		ws, eng, s1 := setup(t)
		diskFull := errors.New("disk full")
		ws.WriteErrors["a.txt"] = diskFull

		result, err := eng.ApplyRestore(ctx, s1.ID)
		if !errors.Is(err, diskFull) {
			t.Fatalf("ApplyRestore() error = %v, want disk full", err)
		}
		if want := []string{"a.txt"}; !slices.Equal(result.Failed, want) {
			t.Errorf("Failed = %v, want %v", result.Failed, want)
		}
		if content, ok := ws.Content("b.txt"); !ok || content != "bee\n" {
			t.Errorf("b.txt = (%q, %v), want restored", content, ok)
		}
		if _, ok := ws.Content("c.txt"); ok {
			t.Error("c.txt not removed")
		}
		if got := currentIndex(t, eng); got != 1 {
			t.Errorf("CurrentIndex() = %d, want unchanged 1", got)
		}
	})

	t.Run("flags unsaved editor buffers", func(t *testing.T) {
		ws := testutil.NewMemoryWorkspace()
		docs := testutil.NewStubDocumentRegistry("a.txt", "b.txt")
		eng, _ := testutil.NewTestEngine(t, ws, snap.Options{Documents: docs})
		ws.AddFile("a.txt", "one\n")
		s1 := mustCreate(t, eng, "base", snap.CreateOptions{})
		ws.AddFile("a.txt", "two\n")
		ws.AddFile("b.txt", "new\n")

		changes, err := eng.ComputeRestoreChanges(ctx, s1.ID)
		if err != nil {
			t.Fatalf("ComputeRestoreChanges() error = %v", err)
		}
		want := []snap.Change{
			{Path: "a.txt", Kind: snap.ChangeModified, HasUnsavedChanges: true},
			{Path: "b.txt", Kind: snap.ChangeDeleted, HasUnsavedChanges: true},
		}
		if !slices.Equal(changes, want) {
			t.Errorf("ComputeRestoreChanges() = %v, want %v", changes, want)
		}
	})

	t.Run("unknown snapshot", func(t *testing.T) {
		_, eng, _ := setup(t)
		if _, err := eng.ApplyRestore(ctx, "snapshot-1-nope"); !errors.Is(err, snap.ErrNotFound) {
			t.Errorf("ApplyRestore() error = %v, want ErrNotFound", err)
		}
	})
}

func TestEngine_Events(t *testing.T) {
	ctx := context.Background()
	events := make(chan snap.Event, 16)
	ws := testutil.NewMemoryWorkspace()
	eng, _ := testutil.NewTestEngine(t, ws, snap.Options{MaxSnapshots: 1, Events: events})

	ws.AddFile("a.txt", "1")
	s1 := mustCreate(t, eng, "one", snap.CreateOptions{})
	ws.AddFile("a.txt", "2")
	s2 := mustCreate(t, eng, "two", snap.CreateOptions{})
	if _, err := eng.ApplyRestore(ctx, s2.ID); err != nil {
		t.Fatalf("ApplyRestore() error = %v", err)
	}
	if err := eng.Delete(ctx, s2.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	close(events)

	var got []snap.Event
	for ev := range events {
		got = append(got, ev)
	}
	want := []snap.Event{
		{Type: snap.EventCreated, SnapshotID: s1.ID},
		{Type: snap.EventCreated, SnapshotID: s2.ID},
		{Type: snap.EventEvicted, SnapshotID: s1.ID},
		{Type: snap.EventRestored, SnapshotID: s2.ID},
		{Type: snap.EventDeleted, SnapshotID: s2.ID},
	}
	if !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestEngine_EventsNeverBlock(t *testing.T) {
	events := make(chan snap.Event)
	ws := testutil.NewMemoryWorkspace()
	eng, _ := testutil.NewTestEngine(t, ws, snap.Options{Events: events})

	ws.AddFile("a.txt", "1")
	mustCreate(t, eng, "unread", snap.CreateOptions{})
}

func TestEngine_FileHistory(t *testing.T) {
	ctx := context.Background()
	ws := testutil.NewMemoryWorkspace()
	eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})

	ws.AddFile("other.txt", "o")
	s0 := mustCreate(t, eng, "before", snap.CreateOptions{})
	ws.AddFile("a.txt", "1")
	s1 := mustCreate(t, eng, "added", snap.CreateOptions{})
	ws.AddFile("a.txt", "2")
	s2 := mustCreate(t, eng, "edited", snap.CreateOptions{})
	ws.DeleteFile("a.txt")
	s3 := mustCreate(t, eng, "removed", snap.CreateOptions{})

	history, err := eng.FileHistory(ctx, "a.txt")
	if err != nil {
		t.Fatalf("FileHistory() error = %v", err)
	}
	want := []snap.HistoryEntry{
		{SnapshotID: s3.ID, Timestamp: s3.Timestamp, Description: "removed", Kind: snap.KindDeleted},
		{SnapshotID: s2.ID, Timestamp: s2.Timestamp, Description: "edited", Kind: snap.KindDelta},
		{SnapshotID: s1.ID, Timestamp: s1.Timestamp, Description: "added", Kind: snap.KindFull},
	}
	if !slices.Equal(history, want) {
		t.Errorf("FileHistory() = %v, want %v", history, want)
	}
	for _, h := range history {
		if h.SnapshotID == s0.ID {
			t.Error("snapshot without the path listed")
		}
	}
}

func TestEngine_VCSTagging(t *testing.T) {
	t.Run("records branch and revision", func(t *testing.T) {
		ws := testutil.NewMemoryWorkspace()
		vcs := &testutil.StubVCS{Branch: "main", Revision: "abc123"}
		eng, _ := testutil.NewTestEngine(t, ws, snap.Options{VCS: vcs})
		ws.AddFile("a.txt", "a")
		s := mustCreate(t, eng, "tagged", snap.CreateOptions{})
		if s.VCSBranch != "main" || s.VCSRevision != "abc123" {
			t.Errorf("vcs fields = (%q, %q)", s.VCSBranch, s.VCSRevision)
		}
	})

	t.Run("lookup failure is ignored", func(t *testing.T) {
		ws := testutil.NewMemoryWorkspace()
		vcs := &testutil.StubVCS{Err: errors.New("not a repository")}
		eng, _ := testutil.NewTestEngine(t, ws, snap.Options{VCS: vcs})
		ws.AddFile("a.txt", "a")
		s := mustCreate(t, eng, "untagged", snap.CreateOptions{})
		if s.VCSBranch != "" || s.VCSRevision != "" {
			t.Errorf("vcs fields = (%q, %q), want empty", s.VCSBranch, s.VCSRevision)
		}
	})
}

func TestEngine_NoWorkspace(t *testing.T) {
	ctx := context.Background()
	eng, _ := testutil.NewTestEngine(t, testutil.NewRootlessWorkspace(), snap.Options{})

	if _, err := eng.Create(ctx, "x", snap.CreateOptions{}); !errors.Is(err, snap.ErrNoWorkspace) {
		t.Errorf("Create() error = %v, want ErrNoWorkspace", err)
	}
	if _, err := eng.Snapshots(); !errors.Is(err, snap.ErrNoWorkspace) {
		t.Errorf("Snapshots() error = %v, want ErrNoWorkspace", err)
	}
	if err := eng.Open(ctx); !errors.Is(err, snap.ErrNoWorkspace) {
		t.Errorf("Open() error = %v, want ErrNoWorkspace", err)
	}
}

func TestEngine_RecoversAfterRestart(t *testing.T) {
	ws := testutil.NewMemoryWorkspace()
	eng, st := testutil.NewTestEngine(t, ws, snap.Options{})

	ws.AddFile("a.txt", "1\n")
	s1 := mustCreate(t, eng, "one", snap.CreateOptions{})
	ws.AddFile("a.txt", "2\n")
	s2 := mustCreate(t, eng, "two", snap.CreateOptions{})

	if err := os.Remove(filepath.Join(st.Dir(), "index.json")); err != nil {
		t.Fatalf("removing index: %v", err)
	}

	reopened, err := store.NewFileStore(st.Dir(), diff.NewCodec(), snap.NewNopLogger(), store.Options{})
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	eng2 := testutil.NewTestEngineWithStore(ws, reopened, snap.Options{})
	if err := eng2.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if got, want := snapshotIDs(t, eng2), []string{s1.ID, s2.ID}; !slices.Equal(got, want) {
		t.Errorf("recovered snapshots = %v, want %v", got, want)
	}
	if got := currentIndex(t, eng2); got != 1 {
		t.Errorf("CurrentIndex() = %d, want 1", got)
	}

	ws.AddFile("a.txt", "3\n")
	s3 := mustCreate(t, eng2, "three", snap.CreateOptions{})
	if d, ok := s3.Files["a.txt"].(snap.Delta); !ok || d.Base != s2.ID {
		t.Errorf("a.txt = %#v, want Delta against %s", s3.Files["a.txt"], s2.ID)
	}
	if s3.Timestamp <= s2.Timestamp {
		t.Errorf("timestamp %d not after %d", s3.Timestamp, s2.Timestamp)
	}
}

func TestEngine_TimestampsIncrease(t *testing.T) {
	ws := testutil.NewMemoryWorkspace()
	logger := snap.NewNopLogger()
	eng := snap.NewEngine(
		testutil.NewTestStore(t),
		ws,
		fs.NewFilter(nil, "", logger),
		classify.New(0, logger),
		diff.NewCodec(),
		logger,
		testutil.FixedClock(),
		testutil.NewStubIDGenerator(),
		snap.Options{},
	)

	ws.AddFile("a.txt", "a")
	var last int64
	for i := range 3 {
		s := mustCreate(t, eng, "same instant", snap.CreateOptions{})
		if i > 0 && s.Timestamp != last+1 {
			t.Errorf("snapshot %d timestamp = %d, want %d", i, s.Timestamp, last+1)
		}
		last = s.Timestamp
	}
}

func TestEngine_ResolveUnknownSnapshot(t *testing.T) {
	ws := testutil.NewMemoryWorkspace()
	eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})
	_, _, err := eng.ResolveFileContent(context.Background(), "snapshot-1-nope", "a.txt")
	if !errors.Is(err, snap.ErrNotFound) {
		t.Errorf("ResolveFileContent() error = %v, want ErrNotFound", err)
	}
}

func TestEngine_UnusualPathNames(t *testing.T) {
	ws := testutil.NewMemoryWorkspace()
	eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})

	name := "notes\n+++ evil.txt"
	ws.AddFile(name, "one\n")
	mustCreate(t, eng, "first", snap.CreateOptions{})
	ws.AddFile(name, "two\n")
	s2 := mustCreate(t, eng, "second", snap.CreateOptions{})

	if _, ok := s2.Files[name].(snap.Delta); !ok {
		t.Fatalf("S2 entry = %#v, want Delta", s2.Files[name])
	}
	if content, found := mustResolve(t, eng, s2.ID, name); !found || content != "two\n" {
		t.Errorf("resolve at S2 = (%q, %v), want (two, true)", content, found)
	}
}

// skewedCodec produces patches that do not reproduce the new content.
type skewedCodec struct {
	*diff.Codec
}

func (c skewedCodec) Create(label, oldContent, newContent string) string {
	return c.Codec.Create(label, oldContent, newContent+"extra\n")
}

func TestEngine_UnreplayablePatchStoredFull(t *testing.T) {
	ws := testutil.NewMemoryWorkspace()
	logger := snap.NewNopLogger()
	eng := snap.NewEngine(
		testutil.NewTestStore(t),
		ws,
		fs.NewFilter(nil, "", logger),
		classify.New(0, logger),
		skewedCodec{diff.NewCodec()},
		logger,
		testutil.TickingClock(time.Second),
		testutil.NewStubIDGenerator(),
		snap.Options{},
	)

	ws.AddFile("a.txt", "one\n")
	mustCreate(t, eng, "first", snap.CreateOptions{})
	ws.AddFile("a.txt", "two\n")
	s2 := mustCreate(t, eng, "second", snap.CreateOptions{})

	if got, want := s2.Files["a.txt"], (snap.Full{Content: "two\n"}); got != want {
		t.Fatalf("S2 a.txt = %#v, want %#v", got, want)
	}
	if content, found := mustResolve(t, eng, s2.ID, "a.txt"); !found || content != "two\n" {
		t.Errorf("resolve at S2 = (%q, %v), want (two, true)", content, found)
	}
}

func TestEngine_UnflattenableDependentKeepsBase(t *testing.T) {
	ctx := context.Background()
	ws := testutil.NewMemoryWorkspace()
	eng, st := testutil.NewTestEngine(t, ws, snap.Options{MaxSnapshots: 2})

	ws.AddFile("a.txt", "one\n")
	s1 := mustCreate(t, eng, "one", snap.CreateOptions{})
	ws.AddFile("a.txt", "two\n")
	s2 := mustCreate(t, eng, "two", snap.CreateOptions{})

	// break s2's patch so its entry cannot be resolved or flattened
	broken := s2.Clone()
	broken.Files["a.txt"] = snap.Delta{Diff: "not a patch", Base: s1.ID}
	if err := st.SaveSnapshot(broken); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}
	st.InvalidateSnapshot(s2.ID)

	t.Run("delete refuses to orphan the dependent", func(t *testing.T) {
		err := eng.Delete(ctx, s1.ID)
		if !errors.Is(err, snap.ErrMalformedPatch) {
			t.Fatalf("Delete() error = %v, want ErrMalformedPatch", err)
		}
		if _, err := eng.Snapshot(s1.ID); err != nil {
			t.Errorf("Snapshot(%s) error = %v, want it kept", s1.ID, err)
		}
	})

	t.Run("eviction stops at the needed base", func(t *testing.T) {
		ws.AddFile("a.txt", "three\n")
		s3 := mustCreate(t, eng, "three", snap.CreateOptions{})
		if got := snapshotIDs(t, eng); !slices.Equal(got, []string{s1.ID, s2.ID, s3.ID}) {
			t.Errorf("Snapshots() = %v, want all three kept", got)
		}
		if got := currentIndex(t, eng); got != 2 {
			t.Errorf("CurrentIndex() = %d, want 2", got)
		}
	})
}

func TestEngine_OpenDropsCaches(t *testing.T) {
	ws := testutil.NewMemoryWorkspace()
	eng, st := testutil.NewTestEngine(t, ws, snap.Options{})

	ws.AddFile("a.txt", "1\n")
	s1 := mustCreate(t, eng, "one", snap.CreateOptions{})
	if content, _ := mustResolve(t, eng, s1.ID, "a.txt"); content != "1\n" {
		t.Fatalf("a.txt = %q, want 1", content)
	}

	// another process rewrites the body behind this engine's caches
	other, err := store.NewFileStore(st.Dir(), diff.NewCodec(), snap.NewNopLogger(), store.Options{})
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	changed := s1.Clone()
	changed.Description = "renamed"
	changed.Files["a.txt"] = snap.Full{Content: "changed\n"}
	if err := other.SaveSnapshot(changed); err != nil {
		t.Fatalf("SaveSnapshot() error = %v", err)
	}

	if got, _ := eng.Snapshot(s1.ID); got.Description != "one" {
		t.Fatalf("cached description = %q, want one", got.Description)
	}
	if err := eng.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, err := eng.Snapshot(s1.ID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if got.Description != "renamed" {
		t.Errorf("description after Open = %q, want renamed", got.Description)
	}
	if content, _ := mustResolve(t, eng, s1.ID, "a.txt"); content != "changed\n" {
		t.Errorf("a.txt after Open = %q, want changed", content)
	}
}
