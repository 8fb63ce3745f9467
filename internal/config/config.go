package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultStoreDir is the store location relative to the workspace root.
const DefaultStoreDir = ".wsnap"

// Config represents the main configuration for wsnap.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level"` // debug, info, warn or error
	Store      StoreConfig      `toml:"store"`
	Filter     FilterConfig     `toml:"filter"`
	Classifier ClassifierConfig `toml:"classifier"`
	Journal    JournalConfig    `toml:"journal"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Encryption EncryptionConfig `toml:"encryption"`
	Watch      WatchConfig      `toml:"watch"`
}

// StoreConfig holds snapshot store settings. A relative Dir is resolved
// against the workspace root.
type StoreConfig struct {
	Dir           string `toml:"dir"`
	MaxSnapshots  int    `toml:"max_snapshots"`   // 0 selects the engine default, negative disables eviction
	CacheSize     int    `toml:"cache_size"`      // resolved-content cache ceiling
	BodyCacheSize int    `toml:"body_cache_size"` // snapshot body cache ceiling
}

// FilterConfig holds ignore rules added to the built-in defaults.
type FilterConfig struct {
	Ignore []string `toml:"ignore"`
}

// ClassifierConfig tunes binary detection.
type ClassifierConfig struct {
	SniffBudget int `toml:"sniff_budget"` // content sniffs per snapshot; 0 selects the default
}

// JournalConfig represents configuration for the operation journal.
// The Type field determines which other fields are relevant.
type JournalConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// VaultConfig represents configuration for an archive vault backend.
// The Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3", or "filesystem"
	Name string `toml:"name"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`

	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for archives.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// WatchConfig tunes watch mode.
type WatchConfig struct {
	Debounce    time.Duration `toml:"debounce"`     // quiet period before an automatic snapshot
	MetricsAddr string        `toml:"metrics_addr"` // serve /metrics here when set
}

// NewConfig creates a Config with defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Store: StoreConfig{
			Dir:           DefaultStoreDir,
			MaxSnapshots:  50,
			CacheSize:     1000,
			BodyCacheSize: 200,
		},
		Classifier: ClassifierConfig{SniffBudget: 200},
		Journal:    JournalConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "journal")},
		Vaults: []VaultConfig{
			{Type: "filesystem", Name: "local", FSVaultRoot: filepath.Join(baseDir, "vault")},
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "wsnap.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "wsnap.key"),
		},
		Watch: WatchConfig{Debounce: 2 * time.Second},
	}
}

// Validate checks values that the TOML decoder cannot.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Store.CacheSize < 0 || c.Store.BodyCacheSize < 0 {
		return fmt.Errorf("cache sizes must not be negative")
	}
	if c.Classifier.SniffBudget < 0 {
		return fmt.Errorf("sniff_budget must not be negative")
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch debounce must not be negative")
	}
	for i, v := range c.Vaults {
		if v.Name == "" {
			return fmt.Errorf("vault %d has no name", i)
		}
		if (v.S3AccessKeyID == "") != (v.S3SecretAccessKey == "") {
			return fmt.Errorf("vault %q: s3_access_key_id and s3_secret_access_key must be set together", v.Name)
		}
	}
	return nil
}

// Vault returns the vault with the given name, or the first vault when name
// is empty.
func (c *Config) Vault(name string) (VaultConfig, error) {
	if len(c.Vaults) == 0 {
		return VaultConfig{}, fmt.Errorf("no vaults configured")
	}
	if name == "" {
		return c.Vaults[0], nil
	}
	for _, v := range c.Vaults {
		if v.Name == name {
			return v, nil
		}
	}
	return VaultConfig{}, fmt.Errorf("no vault named %q", name)
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from r on top of defaults rooted at baseDir, so that
// omitted keys keep their default values.
func (m *Manager) Read(r io.Reader, baseDir string) (*Config, error) {
	cfg := NewConfig(baseDir)
	defaultVaults := cfg.Vaults
	cfg.Vaults = nil

	md, err := toml.NewDecoder(r).Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if !md.IsDefined("vaults") {
		cfg.Vaults = defaultVaults
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from path. A missing file yields the defaults.
func ReadFromFile(path, baseDir string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewConfig(baseDir), nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f, baseDir)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
