package app

import "wsnap/internal/database"

// Operation tracks the CLI command being run. Operations start in memory
// with ID=0; only commands that change snapshots or the vault persist them
// to the journal.
type Operation struct {
	ID         int64
	Name       string
	Parameters string
	SnapshotID string
	Status     string
}

// NewOperation creates an in-memory operation that succeeds unless marked otherwise.
func NewOperation(name string) *Operation {
	return &Operation{Name: name, Status: database.StatusSuccess}
}

// Persisted returns true if this operation has been saved to the journal.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as failed when err is non-nil, and returns err.
func (op *Operation) Fail(err error) error {
	if err != nil {
		op.Status = database.StatusError
	}
	return err
}
