package archive_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"wsnap/internal/archive"
	"wsnap/internal/snap"
	"wsnap/internal/testutil"
)

func newArchiver(t *testing.T) (*archive.Archiver, *snap.Engine, *testutil.MemoryWorkspace) {
	t.Helper()
	ws := testutil.NewMemoryWorkspace()
	eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})
	if err := eng.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	a := archive.NewArchiver(eng, testutil.NewTestEncryptor(), testutil.NewTestVault(), snap.NewNopLogger())
	return a, eng, ws
}

func create(t *testing.T, eng *snap.Engine, desc string, opts snap.CreateOptions) *snap.Snapshot {
	t.Helper()
	s, err := eng.Create(context.Background(), desc, opts)
	if err != nil {
		t.Fatalf("Create(%q) error = %v", desc, err)
	}
	return s
}

func TestArchiver_PushPull(t *testing.T) {
	ctx := context.Background()
	a, eng, ws := newArchiver(t)

	ws.AddFile("a.txt", "one\ntwo\n")
	ws.AddFile("src/main.go", "package main\n")
	ws.AddFile("gone.txt", "bye\n")
	ws.AddBytes("logo.png", []byte{0x89, 'P', 'N', 'G', 0x00})
	create(t, eng, "first", snap.CreateOptions{})

	ws.AddFile("a.txt", "one\ntwo\nthree\n")
	ws.DeleteFile("gone.txt")
	s := create(t, eng, "second", snap.CreateOptions{Tags: []string{"release"}, Notes: "ship it"})

	res, err := a.Push(ctx, s.ID)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if res.Name != s.ID+archive.Suffix {
		t.Errorf("Name = %q", res.Name)
	}
	if res.Files != 2 {
		t.Errorf("Files = %d, want 2 text files", res.Files)
	}
	if res.Size <= 0 {
		t.Errorf("Size = %d", res.Size)
	}

	ids, err := a.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != s.ID {
		t.Errorf("List() = %v, want [%s]", ids, s.ID)
	}

	dc, err := testutil.NewTestEncryptor().Unlock("")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	dest := testutil.NewMemoryWorkspace()
	manifest, err := a.Pull(ctx, s.ID, dc, dest)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}

	if got, _ := dest.Content("a.txt"); got != "one\ntwo\nthree\n" {
		t.Errorf("a.txt = %q", got)
	}
	if got, _ := dest.Content("src/main.go"); got != "package main\n" {
		t.Errorf("src/main.go = %q", got)
	}
	for _, p := range []string{"gone.txt", "logo.png"} {
		if _, ok := dest.Content(p); ok {
			t.Errorf("%s unexpectedly unpacked", p)
		}
	}

	if manifest.SnapshotID != s.ID || manifest.Notes != "ship it" || len(manifest.Tags) != 1 {
		t.Errorf("manifest = %+v", manifest)
	}
	kinds := make(map[string]snap.EntryKind)
	for _, f := range manifest.Files {
		kinds[f.Path] = f.Kind
	}
	if len(kinds) != 3 {
		t.Errorf("manifest files = %v, want a.txt, src/main.go and logo.png", kinds)
	}
	if kinds["logo.png"] != snap.KindBinary {
		t.Errorf("logo.png kind = %q", kinds["logo.png"])
	}
}

func TestArchiver_PushReplaces(t *testing.T) {
	ctx := context.Background()
	a, eng, ws := newArchiver(t)
	ws.AddFile("a.txt", "x\n")
	s := create(t, eng, "only", snap.CreateOptions{})

	for range 2 {
		if _, err := a.Push(ctx, s.ID); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	ids, err := a.List()
	if err != nil || len(ids) != 1 {
		t.Errorf("List() = %v, %v, want one archive", ids, err)
	}
}

func TestArchiver_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown snapshot", func(t *testing.T) {
		a, _, _ := newArchiver(t)
		if _, err := a.Push(ctx, "nope"); !errors.Is(err, snap.ErrNotFound) {
			t.Errorf("Push() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("missing archive", func(t *testing.T) {
		a, _, _ := newArchiver(t)
		dc, _ := testutil.NewTestEncryptor().Unlock("")
		_, err := a.Pull(ctx, "nope", dc, testutil.NewMemoryWorkspace())
		if !errors.Is(err, archive.ErrNotFound) {
			t.Errorf("Pull() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("corrupt archive", func(t *testing.T) {
		ws := testutil.NewMemoryWorkspace()
		eng, _ := testutil.NewTestEngine(t, ws, snap.Options{})
		v := testutil.NewTestVault()
		a := archive.NewArchiver(eng, testutil.NewTestEncryptor(), v, snap.NewNopLogger())

		payload := "WSNAPENC" + "not zstd at all"
		if err := v.PutArchive(archive.Name("bad"), strings.NewReader(payload), int64(len(payload))); err != nil {
			t.Fatal(err)
		}
		dc, _ := testutil.NewTestEncryptor().Unlock("")
		if _, err := a.Pull(ctx, "bad", dc, testutil.NewMemoryWorkspace()); err == nil {
			t.Error("Pull() of corrupt archive expected error")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		a, eng, ws := newArchiver(t)
		ws.AddFile("a.txt", "x\n")
		s := create(t, eng, "only", snap.CreateOptions{})
		if _, err := a.Push(ctx, s.ID); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
		if _, err := a.Pull(ctx, s.ID, headerlessDecryptor{}, testutil.NewMemoryWorkspace()); err == nil {
			t.Error("Pull() with mismatched decryptor expected error")
		}
	})
}

// headerlessDecryptor passes ciphertext through untouched, so the test
// encryptor's header breaks decompression.
type headerlessDecryptor struct{}

func (headerlessDecryptor) Decrypt(r io.Reader, w io.Writer) error {
	_, err := io.Copy(w, r)
	return err
}
