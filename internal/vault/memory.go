package vault

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"wsnap/internal/archive"
)

// MemoryVault is an in-memory Vault, useful for tests and dry runs.
// It is safe for concurrent use.
type MemoryVault struct {
	name            string
	archives        map[string][]byte
	metadata        map[string][]byte
	metadataVersion map[string]int64
	mu              sync.RWMutex
}

var _ archive.Vault = (*MemoryVault)(nil)

// NewMemoryVault creates an empty in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:            name,
		archives:        make(map[string][]byte),
		metadata:        make(map[string][]byte),
		metadataVersion: make(map[string]int64),
	}
}

func readExactly(r io.Reader, size int64) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}
	return data, nil
}

func (m *MemoryVault) PutArchive(name string, r io.Reader, size int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[name] = data
	return nil
}

func (m *MemoryVault) GetArchive(name string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.archives[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("archive %q: %w", name, archive.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}

func (m *MemoryVault) HasArchive(name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.archives[name]
	return ok, nil
}

func (m *MemoryVault) ListArchives() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.archives))
	for name := range m.archives {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryVault) PutMetadata(name string, r io.Reader, size int64, version int64) error {
	if err := validateName(name); err != nil {
		return err
	}
	data, err := readExactly(r, size)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[name] = data
	m.metadataVersion[name] = version
	return nil
}

func (m *MemoryVault) GetMetadata(name string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.metadata[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("metadata %q: %w", name, archive.ErrNotFound)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// GetMetadataVersion returns 0 for metadata that was never stored.
func (m *MemoryVault) GetMetadataVersion(name string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metadataVersion[name], nil
}

// ValidateSetup always succeeds for the in-memory vault.
func (m *MemoryVault) ValidateSetup() error {
	return nil
}
