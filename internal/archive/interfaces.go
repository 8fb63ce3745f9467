package archive

import (
	"errors"
	"io"
)

// ErrNotFound is returned by a Vault for a missing archive or metadata item.
var ErrNotFound = errors.New("not found in vault")

// Vault stores encrypted snapshot archives and journal backups off the
// workspace.
type Vault interface {
	// PutArchive stores an archive under name, replacing any previous one.
	// size is the number of bytes that will be read from r.
	PutArchive(name string, r io.Reader, size int64) error

	// GetArchive writes the named archive to w. A missing archive wraps ErrNotFound.
	GetArchive(name string, w io.Writer) error

	// HasArchive reports whether an archive with the given name exists.
	HasArchive(name string) (bool, error)

	// ListArchives returns the names of all stored archives, sorted.
	ListArchives() ([]string, error)

	// PutMetadata stores a named metadata item with a version marker.
	// Known names: "journal" (SQLite operation journal).
	PutMetadata(name string, r io.Reader, size int64, version int64) error

	// GetMetadata writes a named metadata item to w.
	GetMetadata(name string, w io.Writer) error

	// GetMetadataVersion returns the stored version, or 0 when absent.
	GetMetadataVersion(name string) (int64, error)

	// ValidateSetup verifies that the vault is accessible and properly configured.
	ValidateSetup() error
}

// Encryptor encrypts archives with a public key and unlocks a private key for
// decryption. Encryption never needs user input.
type Encryptor interface {
	// Setup generates and stores a key pair, protecting the private key with
	// passphrase. It refuses to replace existing keys.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key. An incorrect passphrase is an error.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether Setup has been run.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory for the duration
// of one command.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
