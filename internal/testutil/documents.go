package testutil

import "sync"

// StubDocumentRegistry reports unsaved changes for explicitly marked paths.
type StubDocumentRegistry struct {
	mu    sync.Mutex
	dirty map[string]bool
}

func NewStubDocumentRegistry(dirty ...string) *StubDocumentRegistry {
	r := &StubDocumentRegistry{dirty: make(map[string]bool)}
	for _, p := range dirty {
		r.dirty[p] = true
	}
	return r
}

// MarkDirty flags path as having unsaved edits.
func (r *StubDocumentRegistry) MarkDirty(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirty[path] = true
}

func (r *StubDocumentRegistry) HasUnsavedChanges(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty[path]
}

// StubVCS returns a fixed branch and revision.
type StubVCS struct {
	Branch   string
	Revision string
	Err      error
}

func (v *StubVCS) Current(string) (string, string, error) {
	return v.Branch, v.Revision, v.Err
}
