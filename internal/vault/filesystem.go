package vault

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"wsnap/internal/archive"
)

// FileSystemVault stores archives and metadata as files under a root directory:
//
//	<root>/
//	  archives/
//	    <name>            (encrypted snapshot archives)
//	  metadata/
//	    <name>            (e.g. the journal backup)
//	    <name>.version
type FileSystemVault struct {
	name        string
	root        string
	archiveDir  string
	metadataDir string
}

var _ archive.Vault = (*FileSystemVault)(nil)

// NewFileSystemVault creates a filesystem vault rooted at root, creating the
// directory layout when needed.
func NewFileSystemVault(name, root string) (*FileSystemVault, error) {
	v := &FileSystemVault{
		name:        name,
		root:        root,
		archiveDir:  filepath.Join(root, "archives"),
		metadataDir: filepath.Join(root, "metadata"),
	}
	for _, dir := range []string{v.archiveDir, v.metadataDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create vault directory: %w", err)
		}
	}
	return v, nil
}

// PutArchive replaces any archive with the same name atomically.
func (v *FileSystemVault) PutArchive(name string, r io.Reader, size int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(v.archiveDir, name), r, size)
}

func (v *FileSystemVault) GetArchive(name string, w io.Writer) error {
	if err := validateName(name); err != nil {
		return err
	}
	return readInto(filepath.Join(v.archiveDir, name), w, "archive "+strconv.Quote(name))
}

func (v *FileSystemVault) HasArchive(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(v.archiveDir, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking archive: %w", err)
}

// ListArchives skips in-flight temp files.
func (v *FileSystemVault) ListArchives() ([]string, error) {
	entries, err := os.ReadDir(v.archiveDir)
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// PutMetadata writes the data before the version marker, so a reader never
// sees a version newer than the stored data.
func (v *FileSystemVault) PutMetadata(name string, r io.Reader, size int64, version int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(v.metadataDir, name), r, size); err != nil {
		return err
	}
	data := strconv.FormatInt(version, 10)
	return writeAtomic(filepath.Join(v.metadataDir, name+".version"), strings.NewReader(data), int64(len(data)))
}

func (v *FileSystemVault) GetMetadata(name string, w io.Writer) error {
	if err := validateName(name); err != nil {
		return err
	}
	return readInto(filepath.Join(v.metadataDir, name), w, "metadata "+strconv.Quote(name))
}

// GetMetadataVersion returns 0 if no version file exists.
func (v *FileSystemVault) GetMetadataVersion(name string) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(filepath.Join(v.metadataDir, name+".version"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading version file: %w", err)
	}
	version, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing version: %w", err)
	}
	return version, nil
}

// ValidateSetup verifies that the vault directories exist and are writable.
func (v *FileSystemVault) ValidateSetup() error {
	for _, dir := range []string{v.root, v.archiveDir, v.metadataDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("vault directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("vault path is not a directory: %s", dir)
		}
	}
	probe, err := os.CreateTemp(v.archiveDir, ".tmp-probe-*")
	if err != nil {
		return fmt.Errorf("vault is not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}

// writeAtomic writes r to destPath via a temp file and rename, verifying the
// byte count against expectedSize.
func writeAtomic(destPath string, r io.Reader, expectedSize int64) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), ".tmp-*")
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

	written, err := io.Copy(tmpFile, r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if written != expectedSize {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", expectedSize, written)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func readInto(srcPath string, w io.Writer, what string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", what, archive.ErrNotFound)
		}
		return fmt.Errorf("failed to open %s: %w", what, err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", what, err)
	}
	return nil
}
