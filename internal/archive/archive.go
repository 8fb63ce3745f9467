// Package archive exports snapshots as encrypted, compressed tarballs into a
// vault and imports them back into a directory.
//
// An archive is a tar stream with a manifest.json entry followed by one
// files/<path> entry per text file whose content could be resolved. The tar
// is zstd-compressed and then encrypted; it is named <snapshot id>.tar.zst.age.
package archive

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"wsnap/internal/snap"
)

const (
	// Suffix is appended to a snapshot id to form its archive name.
	Suffix = ".tar.zst.age"

	manifestName = "manifest.json"
	filesPrefix  = "files/"
)

// Name returns the vault item name for a snapshot's archive.
func Name(id string) string {
	return id + Suffix
}

// SnapshotSource is the part of the snapshot engine an Archiver reads from.
type SnapshotSource interface {
	Snapshot(id string) (*snap.Snapshot, error)
	ResolveFileContent(ctx context.Context, id, path string) (string, bool, error)
}

// ManifestFile describes one path recorded by the snapshot.
type ManifestFile struct {
	Path     string         `json:"path"`
	Kind     snap.EntryKind `json:"kind"`
	Archived bool           `json:"archived"` // content is present under files/
}

// Manifest is the archive's description of the snapshot it holds.
type Manifest struct {
	SnapshotID    string         `json:"snapshotId"`
	Timestamp     int64          `json:"timestamp"`
	Description   string         `json:"description"`
	VCSBranch     string         `json:"vcsBranch,omitempty"`
	VCSRevision   string         `json:"vcsRevision,omitempty"`
	Tags          []string       `json:"tags"`
	Notes         string         `json:"notes"`
	TaskReference string         `json:"taskReference"`
	IsFavorite    bool           `json:"isFavorite"`
	Files         []ManifestFile `json:"files"`
}

// PushResult summarizes an uploaded archive.
type PushResult struct {
	Name  string
	Files int   // text files with content in the archive
	Size  int64 // encrypted size in bytes
}

// Archiver moves snapshot archives between an engine and a vault.
type Archiver struct {
	source SnapshotSource
	enc    Encryptor
	vault  Vault
	logger snap.Logger
}

// NewArchiver creates an Archiver. Encrypted archives are staged in the
// system temp directory before upload.
func NewArchiver(source SnapshotSource, enc Encryptor, vault Vault, logger snap.Logger) *Archiver {
	return &Archiver{source: source, enc: enc, vault: vault, logger: logger}
}

// Push archives snapshot id into the vault, replacing an earlier archive of
// the same snapshot. Deleted paths are omitted; binary paths are listed in the
// manifest without content, since snapshots never store binary bytes.
func (a *Archiver) Push(ctx context.Context, id string) (*PushResult, error) {
	if !a.enc.IsConfigured() {
		return nil, fmt.Errorf("encryption keys are not set up (run 'wsnap keys init')")
	}
	s, err := a.source.Snapshot(id)
	if err != nil {
		return nil, err
	}

	staged, err := os.CreateTemp("", "wsnap-archive-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	defer func() {
		staged.Close()
		os.Remove(staged.Name())
	}()

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	var files int
	g.Go(func() error {
		n, err := a.writeTarball(gctx, s, pw)
		files = n
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := a.enc.Encrypt(pr, staged)
		pr.CloseWithError(err)
		if err != nil {
			return fmt.Errorf("encrypting archive: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	size, err := staged.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("sizing staged archive: %w", err)
	}
	if _, err := staged.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding staged archive: %w", err)
	}

	name := Name(id)
	if err := a.vault.PutArchive(name, staged, size); err != nil {
		return nil, fmt.Errorf("uploading archive %s: %w", name, err)
	}

	a.logger.Info("archive pushed", "snapshot", id, "files", files, "bytes", size)
	return &PushResult{Name: name, Files: files, Size: size}, nil
}

// writeTarball streams the compressed tar for s to w and returns the number
// of file bodies written.
func (a *Archiver) writeTarball(ctx context.Context, s *snap.Snapshot, w io.Writer) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("creating zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	manifest := Manifest{
		SnapshotID:    s.ID,
		Timestamp:     s.Timestamp,
		Description:   s.Description,
		VCSBranch:     s.VCSBranch,
		VCSRevision:   s.VCSRevision,
		Tags:          s.Tags,
		Notes:         s.Notes,
		TaskReference: s.TaskReference,
		IsFavorite:    s.IsFavorite,
	}
	contents := make(map[string]string)

	for _, p := range s.Files.Paths() {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return 0, err
		}
		entry := s.Files[p]
		if !snap.IsTracked(entry) {
			continue
		}
		mf := ManifestFile{Path: p, Kind: snap.KindOf(entry)}
		if !snap.IsBinary(entry) {
			content, ok, err := a.source.ResolveFileContent(ctx, s.ID, p)
			if err != nil {
				zw.Close()
				return 0, fmt.Errorf("resolving %s: %w", p, err)
			}
			if ok {
				contents[p] = content
				mf.Archived = true
			} else {
				a.logger.Warn("content not resolvable, archiving without it", "snapshot", s.ID, "path", p)
			}
		}
		manifest.Files = append(manifest.Files, mf)
	}

	modTime := s.Time()
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		zw.Close()
		return 0, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := writeEntry(tw, manifestName, raw, modTime); err != nil {
		zw.Close()
		return 0, err
	}
	for _, mf := range manifest.Files {
		if !mf.Archived {
			continue
		}
		if err := writeEntry(tw, filesPrefix+mf.Path, []byte(contents[mf.Path]), modTime); err != nil {
			zw.Close()
			return 0, err
		}
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return 0, fmt.Errorf("finalizing tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finalizing zstd stream: %w", err)
	}
	return len(contents), nil
}

func writeEntry(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0644,
		Size:     int64(len(data)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing tar body for %s: %w", name, err)
	}
	return nil
}

// Pull downloads the archive of snapshot id, decrypts it with dc and writes
// its files into dest. Paths that would leave dest are rejected by dest itself.
func (a *Archiver) Pull(ctx context.Context, id string, dc DecryptionContext, dest snap.Workspace) (*Manifest, error) {
	name := Name(id)
	exists, err := a.vault.HasArchive(name)
	if err != nil {
		return nil, fmt.Errorf("checking archive %s: %w", name, err)
	}
	if !exists {
		return nil, fmt.Errorf("archive %s: %w", name, ErrNotFound)
	}

	cipherR, cipherW := io.Pipe()
	plainR, plainW := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.vault.GetArchive(name, cipherW)
		cipherW.CloseWithError(err)
		if err != nil {
			return fmt.Errorf("downloading archive %s: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		err := dc.Decrypt(cipherR, plainW)
		cipherR.CloseWithError(err)
		plainW.CloseWithError(err)
		if err != nil {
			return fmt.Errorf("decrypting archive %s: %w", name, err)
		}
		return nil
	})

	var manifest *Manifest
	g.Go(func() error {
		m, err := unpack(gctx, plainR, dest)
		plainR.CloseWithError(err)
		manifest = m
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.logger.Info("archive pulled", "snapshot", id, "files", len(manifest.Files))
	return manifest, nil
}

func unpack(ctx context.Context, r io.Reader, dest snap.Workspace) (*Manifest, error) {
	zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer zr.Close()

	var manifest *Manifest
	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("unexpected tar entry type %q for %s", hdr.Typeflag, hdr.Name)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", hdr.Name, err)
		}

		switch {
		case hdr.Name == manifestName:
			manifest = &Manifest{}
			if err := json.Unmarshal(data, manifest); err != nil {
				return nil, fmt.Errorf("decoding manifest: %w", err)
			}
		case strings.HasPrefix(hdr.Name, filesPrefix):
			rel := strings.TrimPrefix(hdr.Name, filesPrefix)
			if rel == "" || path.Clean(rel) != rel {
				return nil, fmt.Errorf("invalid archived path %q", hdr.Name)
			}
			if err := dest.WriteFile(rel, data); err != nil {
				return nil, fmt.Errorf("writing %s: %w", rel, err)
			}
		default:
			return nil, fmt.Errorf("unexpected archive entry %q", hdr.Name)
		}
	}

	if manifest == nil {
		return nil, fmt.Errorf("archive has no %s", manifestName)
	}

	// tar stops at its end marker; consume the rest so upstream writers finish
	if _, err := io.Copy(io.Discard, zr); err != nil {
		return nil, fmt.Errorf("reading archive trailer: %w", err)
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, fmt.Errorf("reading archive trailer: %w", err)
	}
	return manifest, nil
}

// List returns the snapshot ids that have an archive in the vault.
func (a *Archiver) List() ([]string, error) {
	names, err := a.vault.ListArchives()
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, n := range names {
		if id, ok := strings.CutSuffix(n, Suffix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
