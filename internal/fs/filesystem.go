// Package fs provides the on-disk workspace and the ignore-rule filter that
// decides which of its files are snapshotted.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"wsnap/internal/snap"
)

// OSWorkspace is the real filesystem implementation of snap.Workspace.
type OSWorkspace struct {
	root string
}

var _ snap.Workspace = (*OSWorkspace)(nil)

// NewOSWorkspace creates a workspace rooted at the given directory.
func NewOSWorkspace(root string) (*OSWorkspace, error) {
	if root == "" {
		return nil, snap.ErrNoWorkspace
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving absolute path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root is not a directory: %s", absRoot)
	}
	return &OSWorkspace{root: absRoot}, nil
}

// Root returns the absolute workspace root.
func (w *OSWorkspace) Root() string {
	return w.root
}

// FindFiles walks the workspace for regular files matching include. Any file
// or directory matching exclude is skipped, directories with everything
// beneath them. Symlinks and special files are never returned.
func (w *OSWorkspace) FindFiles(ctx context.Context, include, exclude string) ([]snap.FileInfo, error) {
	if !doublestar.ValidatePattern(include) {
		return nil, fmt.Errorf("invalid include glob: %s", include)
	}
	if exclude != "" && !doublestar.ValidatePattern(exclude) {
		return nil, fmt.Errorf("invalid exclude glob: %s", exclude)
	}

	var files []snap.FileInfo
	err := filepath.WalkDir(w.root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == w.root {
			return nil
		}
		rel, err := filepath.Rel(w.root, p)
		if err != nil {
			return fmt.Errorf("calculating relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if exclude != "" {
				if ok, _ := doublestar.Match(exclude, rel); ok {
					return filepath.SkipDir
				}
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if exclude != "" {
			if ok, _ := doublestar.Match(exclude, rel); ok {
				return nil
			}
		}
		if ok, _ := doublestar.Match(include, rel); !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", rel, err)
		}
		files = append(files, snap.FileInfo{Path: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking workspace: %w", err)
	}
	return files, nil
}

// ReadFile returns the content of a workspace file.
func (w *OSWorkspace) ReadFile(rel string) ([]byte, error) {
	abs, err := w.abs(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// ReadHead returns up to n leading bytes of a file and its total size.
func (w *OSWorkspace) ReadHead(rel string, n int) ([]byte, int64, error) {
	abs, err := w.abs(rel)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat %s: %w", rel, err)
	}

	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, 0, fmt.Errorf("reading %s: %w", rel, err)
	}
	return buf[:read], info.Size(), nil
}

// WriteFile replaces a file's content atomically (temp file + rename),
// creating parent directories and keeping the existing permission bits.
func (w *OSWorkspace) WriteFile(rel string, data []byte) error {
	abs, err := w.abs(rel)
	if err != nil {
		return err
	}

	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	mode := iofs.FileMode(0644)
	if info, err := os.Stat(abs); err == nil {
		mode = info.Mode().Perm()
	}

	tmpFile, err := os.CreateTemp(dir, ".wsnap-tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
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
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, abs); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Remove deletes a workspace file. A file that is already gone is not an error.
func (w *OSWorkspace) Remove(rel string) error {
	abs, err := w.abs(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// abs maps a workspace-relative path to an absolute one, refusing paths
// that would leave the workspace.
func (w *OSWorkspace) abs(rel string) (string, error) {
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("path escapes workspace: %s", rel)
	}
	return filepath.Join(w.root, local), nil
}
