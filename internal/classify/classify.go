// Package classify decides which workspace files are opaque binaries.
//
// A cheap name-based pass flags well-known binary formats. Files it does not
// recognize as text are then sniffed from their first bytes, up to a budget
// per call; anything beyond the budget is assumed to be text.
package classify

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"wsnap/internal/snap"
)

const (
	// DefaultSniffBudget bounds content sniffs per Classify call.
	DefaultSniffBudget = 200

	// SniffSize is the number of leading bytes inspected.
	SniffSize = 512

	// MaxTextSize is the largest file treated as text.
	MaxTextSize = 1 << 20

	// controlThreshold is the share of suspicious bytes that marks a sample binary.
	controlThreshold = 0.10

	sniffConcurrency = 8
)

var binaryExtensions = toSet(
	// images
	".png", ".jpg", ".jpeg", ".gif", ".bmp", ".ico", ".icns", ".tif", ".tiff", ".webp", ".psd", ".heic",
	// archives
	".zip", ".tar", ".gz", ".tgz", ".bz2", ".xz", ".zst", ".7z", ".rar", ".jar", ".war", ".age",
	// executables and objects
	".exe", ".dll", ".so", ".dylib", ".o", ".a", ".lib", ".obj", ".class", ".pyc", ".pyo", ".wasm", ".bin",
	// office
	".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".odt", ".ods", ".odp",
	// media
	".mp3", ".mp4", ".wav", ".flac", ".ogg", ".avi", ".mov", ".mkv", ".webm", ".m4a",
	// databases
	".db", ".sqlite", ".sqlite3", ".mdb",
	// fonts
	".ttf", ".otf", ".woff", ".woff2", ".eot",
)

var textExtensions = toSet(
	".txt", ".md", ".rst", ".go", ".mod", ".sum", ".js", ".mjs", ".cjs", ".ts", ".tsx", ".jsx",
	".json", ".yaml", ".yml", ".toml", ".ini", ".cfg", ".conf", ".xml", ".html", ".htm", ".css",
	".scss", ".less", ".svg", ".py", ".rb", ".rs", ".java", ".kt", ".c", ".h", ".cc", ".cpp",
	".hpp", ".cs", ".php", ".sh", ".bash", ".zsh", ".sql", ".csv", ".tsv", ".lua", ".swift",
	".vue", ".svelte", ".proto", ".graphql", ".env", ".gitignore", ".wsnapignore", ".lock",
)

var metadataNames = toSet(".ds_store", "thumbs.db", "desktop.ini")

var outputSegments = toSet("build", "dist", "out", "bin", "obj", "target", ".next", ".nuxt", "coverage")

// Classifier implements snap.Classifier.
type Classifier struct {
	budget int
	logger snap.Logger
}

var _ snap.Classifier = (*Classifier)(nil)

// New returns a Classifier that sniffs at most budget files per call.
// A budget of zero selects DefaultSniffBudget.
func New(budget int, logger snap.Logger) *Classifier {
	if budget <= 0 {
		budget = DefaultSniffBudget
	}
	return &Classifier{budget: budget, logger: logger}
}

// Classify returns the set of binary paths among files.
func (c *Classifier) Classify(ctx context.Context, ws snap.Workspace, files []snap.FileInfo) (map[string]bool, error) {
	binaries := make(map[string]bool)

	var suspicious []snap.FileInfo
	for _, f := range files {
		switch {
		case IsBinaryName(f.Path):
			binaries[f.Path] = true
		case !isKnownText(f.Path):
			suspicious = append(suspicious, f)
		}
	}

	if len(suspicious) > c.budget {
		c.logger.Debug("sniff budget exhausted, assuming text", "candidates", len(suspicious), "budget", c.budget)
		suspicious = suspicious[:c.budget]
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sniffConcurrency)
	for _, f := range suspicious {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			binary, err := c.sniff(ws, f)
			if err != nil {
				return err
			}
			if binary {
				mu.Lock()
				binaries[f.Path] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return binaries, nil
}

func (c *Classifier) sniff(ws snap.Workspace, f snap.FileInfo) (bool, error) {
	if f.Size > MaxTextSize {
		return true, nil
	}
	head, size, err := ws.ReadHead(f.Path, SniffSize)
	if err != nil {
		return false, fmt.Errorf("sniffing %s: %w", f.Path, err)
	}
	if size > MaxTextSize {
		return true, nil
	}
	return LooksBinary(head), nil
}

// IsBinaryName reports whether a path is binary from its name alone.
func IsBinaryName(p string) bool {
	base := path.Base(p)
	if metadataNames[strings.ToLower(base)] {
		return true
	}
	ext := strings.ToLower(path.Ext(base))
	if binaryExtensions[ext] {
		return true
	}
	if textExtensions[ext] {
		return false
	}
	for _, seg := range strings.Split(path.Dir(p), "/") {
		if outputSegments[seg] {
			return true
		}
	}
	return false
}

func isKnownText(p string) bool {
	base := path.Base(p)
	if textExtensions[strings.ToLower(base)] {
		return true
	}
	return textExtensions[strings.ToLower(path.Ext(base))]
}

// LooksBinary inspects a content sample. A NUL byte, or more than 10% of
// bytes outside printable ASCII and TAB/LF/CR, marks it binary.
func LooksBinary(sample []byte) bool {
	if len(sample) == 0 {
		return false
	}
	suspicious := 0
	for _, b := range sample {
		switch {
		case b == 0:
			return true
		case b == '\t' || b == '\n' || b == '\r':
		case b < 0x20 || b > 0x7e:
			suspicious++
		}
	}
	return float64(suspicious)/float64(len(sample)) > controlThreshold
}

func toSet(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, s := range items {
		m[s] = true
	}
	return m
}
