package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wsnap/internal/archive"
	"wsnap/internal/classify"
	"wsnap/internal/config"
	"wsnap/internal/database"
	"wsnap/internal/diff"
	"wsnap/internal/encryption"
	"wsnap/internal/fs"
	"wsnap/internal/snap"
	"wsnap/internal/store"
	"wsnap/internal/vault"
	"wsnap/internal/vcs"
	"wsnap/internal/watch"
)

// journalMetadata is the vault metadata name the journal is backed up under.
const journalMetadata = "journal"

// Options overrides collaborators that NewSnapApp otherwise builds itself.
type Options struct {
	Clock  snap.Clock
	IDs    snap.IDGenerator
	VCS    snap.VCSInfo
	Events chan<- snap.Event

	// Logger replaces the file logger under cfg.LogDir.
	Logger *slog.Logger
}

// SnapApp is the application layer between the CLI and the snapshot engine.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw paths, and manages the journal lifecycle on Close.
type SnapApp struct {
	ctx       context.Context
	cfg       *config.Config
	root      string
	opts      Options
	journal   *database.SQLiteJournal
	encryptor archive.Encryptor
	vaults    map[string]archive.Vault
	logger    *slog.Logger
	op        *Operation
	logFile   *os.File

	ws     *fs.OSWorkspace
	filter *fs.Filter
	engine *snap.Engine
}

// NewSnapApp creates a SnapApp for the workspace at root. operation names the
// CLI command being run (e.g. "create", "restore"). The snapshot engine is
// built on first use, so commands that never touch the workspace may pass an
// empty root. The caller must call Close when done.
func NewSnapApp(ctx context.Context, cfg *config.Config, root, operation string, opts Options) (*SnapApp, error) {
	journal, err := database.NewJournalFromConfig(cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("creating journal: %w", err)
	}
	if err := journal.CheckMigrations(); err != nil {
		journal.Close()
		return nil, fmt.Errorf("journal schema out of date: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	a := &SnapApp{
		ctx:       ctx,
		cfg:       cfg,
		root:      root,
		opts:      opts,
		journal:   journal,
		encryptor: enc,
		vaults:    make(map[string]archive.Vault),
		logger:    opts.Logger,
		op:        NewOperation(operation),
	}

	if a.logger == nil {
		level, err := parseLevel(cfg.LogLevel)
		if err != nil {
			journal.Close()
			return nil, err
		}
		opID := time.Now().UTC().Format("20060102T150405Z")
		logger, logFile, err := newLogger(cfg.LogDir, opID, level)
		if err != nil {
			journal.Close()
			return nil, fmt.Errorf("creating logger: %w", err)
		}
		a.logger, a.logFile = logger, logFile
	}
	return a, nil
}

// Config returns the configuration the app was built from.
func (a *SnapApp) Config() *config.Config {
	return a.cfg
}

// snapLogger adapts the app logger for packages that take a snap.Logger.
func (a *SnapApp) snapLogger(component string) snap.Logger {
	return &slogAdapter{l: a.logger.With("component", component)}
}

// openEngine wires the workspace, store, filter and engine on first use.
func (a *SnapApp) openEngine() (*snap.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}

	ws, err := fs.NewOSWorkspace(a.root)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}

	storeDir := a.cfg.Store.Dir
	if !filepath.IsAbs(storeDir) {
		storeDir = filepath.Join(ws.Root(), storeDir)
	}
	// the filter only needs the store path when the store sits inside the workspace
	var storeRel string
	if rel, err := filepath.Rel(ws.Root(), storeDir); err == nil && filepath.IsLocal(rel) {
		storeRel = filepath.ToSlash(rel)
	}

	st, err := store.NewFileStore(storeDir, diff.NewCodec(), a.snapLogger("store"), store.Options{
		CacheSize:     a.cfg.Store.CacheSize,
		BodyCacheSize: a.cfg.Store.BodyCacheSize,
	})
	if err != nil {
		return nil, err
	}

	var clock snap.Clock = snap.RealClock{}
	if a.opts.Clock != nil {
		clock = a.opts.Clock
	}
	var ids snap.IDGenerator = snap.UUIDGenerator{}
	if a.opts.IDs != nil {
		ids = a.opts.IDs
	}
	var vcsInfo snap.VCSInfo = vcs.Git{}
	if a.opts.VCS != nil {
		vcsInfo = a.opts.VCS
	}

	logger := a.snapLogger("engine")
	filter := fs.NewFilter(a.cfg.Filter.Ignore, storeRel, logger)
	engine := snap.NewEngine(
		st,
		ws,
		filter,
		classify.New(a.cfg.Classifier.SniffBudget, logger),
		diff.NewCodec(),
		logger,
		clock,
		ids,
		snap.Options{
			MaxSnapshots: a.cfg.Store.MaxSnapshots,
			VCS:          vcsInfo,
			Events:       a.opts.Events,
		},
	)
	if err := engine.Open(a.ctx); err != nil {
		return nil, err
	}

	a.ws, a.filter, a.engine = ws, filter, engine
	return engine, nil
}

// vault returns the named vault (the first configured one when name is
// empty), creating it on first use.
func (a *SnapApp) vault(name string) (archive.Vault, error) {
	vc, err := a.cfg.Vault(name)
	if err != nil {
		return nil, err
	}
	if v, ok := a.vaults[vc.Name]; ok {
		return v, nil
	}
	v, err := vault.NewVaultFromConfig(a.ctx, vc)
	if err != nil {
		return nil, fmt.Errorf("creating vault %s: %w", vc.Name, err)
	}
	a.vaults[vc.Name] = v
	return v, nil
}

// backsUpJournal reports whether the journal is mirrored to the default vault.
// A memory journal starts empty on every run and is never mirrored.
func (a *SnapApp) backsUpJournal() bool {
	return a.cfg.Journal.Type != "memory"
}

// persistOperation saves the operation to the journal, giving it an
// auto-increment ID. This should only be called for mutating commands.
func (a *SnapApp) persistOperation(parameters string) error {
	if a.op.Persisted() {
		return nil
	}

	if a.backsUpJournal() {
		v, err := a.vault("")
		if err != nil {
			return err
		}
		remoteVersion, err := v.GetMetadataVersion(journalMetadata)
		if err != nil {
			return fmt.Errorf("checking remote journal version: %w", err)
		}
		localMax, err := a.journal.MaxOperationID()
		if err != nil {
			return fmt.Errorf("checking local journal version: %w", err)
		}
		if remoteVersion > localMax {
			return fmt.Errorf("local journal is behind the vault copy (local=%d, remote=%d): restore it from the vault or re-initialize", localMax, remoteVersion)
		}
	}

	a.op.Parameters = parameters
	row, err := a.journal.CreateOperation(a.op.Name, parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = row.ID
	return nil
}

// recordSnapshot links the persisted operation to the snapshot it touched.
func (a *SnapApp) recordSnapshot(id string) {
	a.op.SnapshotID = id
	if err := a.journal.SetOperationSnapshot(a.op.ID, id); err != nil {
		a.logger.Warn("operation snapshot not recorded", "op", a.op.ID, "snapshot", id, "error", err)
	}
}

// Resolve converts a user-supplied path (absolute or relative to the current
// directory) into a workspace-relative path with forward slashes.
func (a *SnapApp) Resolve(rawPath string) (string, error) {
	if _, err := a.openEngine(); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	rel, err := filepath.Rel(a.ws.Root(), abs)
	if err != nil || rel == "." || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%s is outside the workspace %s", rawPath, a.ws.Root())
	}
	return filepath.ToSlash(rel), nil
}

// Create records a snapshot of the workspace. Selected paths are raw paths
// and imply a selective snapshot.
func (a *SnapApp) Create(description string, opts snap.CreateOptions) (*snap.Snapshot, error) {
	engine, err := a.openEngine()
	if err != nil {
		return nil, a.op.Fail(err)
	}
	if len(opts.SelectedFiles) > 0 {
		selected := make([]string, 0, len(opts.SelectedFiles))
		for _, p := range opts.SelectedFiles {
			rel, err := a.Resolve(p)
			if err != nil {
				return nil, a.op.Fail(err)
			}
			selected = append(selected, rel)
		}
		opts.IsSelective = true
		opts.SelectedFiles = selected
	}
	if err := a.persistOperation(description); err != nil {
		return nil, a.op.Fail(err)
	}

	s, err := engine.Create(a.ctx, description, opts)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	a.recordSnapshot(s.ID)
	return s, nil
}

// Snapshots returns every snapshot summary, oldest first, and the position
// of the current one (-1 when there is none).
func (a *SnapApp) Snapshots() ([]snap.IndexEntry, int, error) {
	engine, err := a.openEngine()
	if err != nil {
		return nil, -1, err
	}
	entries, err := engine.Snapshots()
	if err != nil {
		return nil, -1, err
	}
	current, err := engine.CurrentIndex()
	if err != nil {
		return nil, -1, err
	}
	return entries, current, nil
}

// Show returns the full snapshot record.
func (a *SnapApp) Show(id string) (*snap.Snapshot, error) {
	engine, err := a.openEngine()
	if err != nil {
		return nil, err
	}
	return engine.Snapshot(id)
}

// Cat returns the content of rawPath as recorded by snapshot id.
func (a *SnapApp) Cat(id, rawPath string) (string, error) {
	engine, err := a.openEngine()
	if err != nil {
		return "", err
	}
	rel, err := a.Resolve(rawPath)
	if err != nil {
		return "", err
	}
	content, found, err := engine.ResolveFileContent(a.ctx, id, rel)
	if err != nil {
		return "", err
	}
	if !found {
		return "", &snap.Error{Op: "cat", SnapshotID: id, Path: rel, Err: snap.ErrNotFound}
	}
	return content, nil
}

// FileHistory lists the snapshots that record rawPath, newest first.
func (a *SnapApp) FileHistory(rawPath string) ([]snap.HistoryEntry, error) {
	engine, err := a.openEngine()
	if err != nil {
		return nil, err
	}
	rel, err := a.Resolve(rawPath)
	if err != nil {
		return nil, err
	}
	return engine.FileHistory(a.ctx, rel)
}

// PreviewRestore lists the workspace changes restoring id would make.
func (a *SnapApp) PreviewRestore(id string) ([]snap.Change, error) {
	engine, err := a.openEngine()
	if err != nil {
		return nil, err
	}
	return engine.ComputeRestoreChanges(a.ctx, id)
}

// Restore makes the workspace match snapshot id.
func (a *SnapApp) Restore(id string) (*snap.RestoreResult, error) {
	engine, err := a.openEngine()
	if err != nil {
		return nil, a.op.Fail(err)
	}
	if err := a.persistOperation(id); err != nil {
		return nil, a.op.Fail(err)
	}
	a.recordSnapshot(id)
	result, err := engine.ApplyRestore(a.ctx, id)
	return result, a.op.Fail(err)
}

// Delete removes snapshot id from the history.
func (a *SnapApp) Delete(id string) error {
	engine, err := a.openEngine()
	if err != nil {
		return a.op.Fail(err)
	}
	if err := a.persistOperation(id); err != nil {
		return a.op.Fail(err)
	}
	a.recordSnapshot(id)
	return a.op.Fail(engine.Delete(a.ctx, id))
}

// UpdateContext changes the user context of snapshot id.
func (a *SnapApp) UpdateContext(id string, u snap.ContextUpdate) (*snap.Snapshot, error) {
	engine, err := a.openEngine()
	if err != nil {
		return nil, a.op.Fail(err)
	}
	if err := a.persistOperation(id); err != nil {
		return nil, a.op.Fail(err)
	}
	a.recordSnapshot(id)
	s, err := engine.UpdateContext(a.ctx, id, u)
	return s, a.op.Fail(err)
}

// History returns the most recent journal operations, or every operation
// that touched snapshotID when it is set.
func (a *SnapApp) History(snapshotID string, limit int) ([]*database.Operation, error) {
	if snapshotID != "" {
		return a.journal.FindOperationsBySnapshot(snapshotID)
	}
	return a.journal.ListOperations(limit)
}

// SetupKeys generates the archive key pair, protecting the private key with
// passphrase.
func (a *SnapApp) SetupKeys(passphrase string) error {
	if err := a.encryptor.Setup(passphrase); err != nil {
		return fmt.Errorf("setting up keys: %w", err)
	}
	return nil
}

// KeysConfigured reports whether SetupKeys has been run.
func (a *SnapApp) KeysConfigured() bool {
	return a.encryptor.IsConfigured()
}

// archiver builds an Archiver over the named vault. source may be nil for
// commands that never read snapshots.
func (a *SnapApp) archiver(vaultName string, source archive.SnapshotSource) (*archive.Archiver, error) {
	v, err := a.vault(vaultName)
	if err != nil {
		return nil, err
	}
	return archive.NewArchiver(source, a.encryptor, v, a.snapLogger("archive")), nil
}

// PushArchive uploads an encrypted archive of snapshot id to the named vault.
func (a *SnapApp) PushArchive(id, vaultName string) (*archive.PushResult, error) {
	engine, err := a.openEngine()
	if err != nil {
		return nil, a.op.Fail(err)
	}
	arc, err := a.archiver(vaultName, engine)
	if err != nil {
		return nil, a.op.Fail(err)
	}
	if err := a.persistOperation(id + " " + vaultName); err != nil {
		return nil, a.op.Fail(err)
	}
	a.recordSnapshot(id)
	result, err := arc.Push(a.ctx, id)
	return result, a.op.Fail(err)
}

// PullArchive downloads the archive of snapshot id from the named vault and
// unpacks its files under destDir, which is created if needed.
func (a *SnapApp) PullArchive(id, vaultName, destDir, passphrase string) (*archive.Manifest, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("creating destination: %w", err)
	}
	dest, err := fs.NewOSWorkspace(destDir)
	if err != nil {
		return nil, err
	}
	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return nil, err
	}
	arc, err := a.archiver(vaultName, nil)
	if err != nil {
		return nil, err
	}
	return arc.Pull(a.ctx, id, dc, dest)
}

// ListArchives returns the snapshot ids archived in the named vault.
func (a *SnapApp) ListArchives(vaultName string) ([]string, error) {
	arc, err := a.archiver(vaultName, nil)
	if err != nil {
		return nil, err
	}
	return arc.List()
}

// Watch snapshots the workspace automatically after each burst of file
// changes until ctx is cancelled. onSnapshot, when set, is called for every
// snapshot written.
func (a *SnapApp) Watch(ctx context.Context, debounce time.Duration, onSnapshot func(*snap.Snapshot)) error {
	engine, err := a.openEngine()
	if err != nil {
		return a.op.Fail(err)
	}
	matcher, err := a.filter.Compile(a.ws)
	if err != nil {
		return a.op.Fail(fmt.Errorf("compiling ignore rules: %w", err))
	}
	if err := a.persistOperation(a.ws.Root()); err != nil {
		return a.op.Fail(err)
	}

	var lastID string
	trigger := func(ctx context.Context, changed []string) error {
		before := lastID
		s, err := engine.Create(ctx, autoDescription(changed), snap.CreateOptions{Auto: true})
		if err != nil {
			return err
		}
		if s == nil || s.ID == before {
			return nil
		}
		lastID = s.ID
		a.recordSnapshot(s.ID)
		if onSnapshot != nil {
			onSnapshot(s)
		}
		return nil
	}
	if cur, err := engine.Current(); err == nil && cur != nil {
		lastID = cur.ID
	}

	w, err := watch.New(a.ws.Root(), watch.Options{Debounce: debounce, Ignored: matcher.Ignored, Prune: matcher.Prunable}, trigger, a.snapLogger("watch"))
	if err != nil {
		return a.op.Fail(err)
	}
	defer w.Close()
	return a.op.Fail(w.Run(ctx))
}

func autoDescription(changed []string) string {
	switch len(changed) {
	case 0:
		return "Auto snapshot"
	case 1:
		return "Auto: " + changed[0]
	}
	const shown = 3
	if len(changed) <= shown {
		return "Auto: " + strings.Join(changed, ", ")
	}
	return fmt.Sprintf("Auto: %s and %d more", strings.Join(changed[:shown], ", "), len(changed)-shown)
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the operation record, backs up the
// journal, and uploads it to the default vault.
// For non-persisted operations: just closes the journal.
func (a *SnapApp) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.op.Persisted() {
		if err := a.journal.FinishOperation(a.op.ID, a.op.Status); err != nil {
			keep(fmt.Errorf("finishing operation: %w", err))
		}

		var tmpPath string
		if a.backsUpJournal() {
			tmpDir, err := os.MkdirTemp("", "wsnap-journal-*")
			if err != nil {
				keep(fmt.Errorf("creating temp dir for journal backup: %w", err))
			} else {
				defer os.RemoveAll(tmpDir)
				// VACUUM INTO refuses to overwrite, so the target must not exist yet
				tmpPath = filepath.Join(tmpDir, "journal.db")
				if err := a.journal.BackupTo(tmpPath); err != nil {
					keep(err)
					tmpPath = ""
				}
			}
		}

		if err := a.journal.Close(); err != nil {
			keep(fmt.Errorf("closing journal: %w", err))
		}

		if tmpPath != "" {
			keep(a.uploadJournal(tmpPath, a.op.ID))
		}
	} else if err := a.journal.Close(); err != nil {
		keep(fmt.Errorf("closing journal: %w", err))
	}

	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// uploadJournal uploads the journal copy at path to the default vault.
func (a *SnapApp) uploadJournal(path string, version int64) error {
	v, err := a.vault("")
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening journal backup for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat journal backup: %w", err)
	}

	if err := v.PutMetadata(journalMetadata, f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading journal to vault: %w", err)
	}
	return nil
}
