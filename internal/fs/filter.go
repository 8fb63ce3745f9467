package fs

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"wsnap/internal/snap"
)

// Filter decides which workspace files take part in snapshots. Project rule
// files are re-read on every enumeration so edits take effect immediately.
type Filter struct {
	rules    []string
	critical []string
	logger   snap.Logger
}

var _ snap.PathFilter = (*Filter)(nil)

// NewFilter creates a Filter from the default rules plus extra rules.
// storeDir is the snapshot store's workspace-relative path, or "" when the
// store lives outside the workspace.
func NewFilter(extra []string, storeDir string, logger snap.Logger) *Filter {
	critical := make([]string, 0, len(criticalNames)+1)
	for _, name := range criticalNames {
		critical = append(critical, "**/"+name)
	}
	if storeDir = strings.Trim(path.Clean(storeDir), "/"); storeDir != "" && storeDir != "." {
		critical = append(critical, strings.ReplaceAll(storeDir, ",", `\,`))
	}

	return &Filter{
		rules:    append(slices.Clone(DefaultIgnoreRules), extra...),
		critical: critical,
		logger:   logger,
	}
}

// Compile reads the workspace's project rules and builds a Matcher.
func (f *Filter) Compile(ws snap.Workspace) (*Matcher, error) {
	project, source, err := ReadProjectRules(ws)
	if err != nil {
		return nil, err
	}
	if source != "" {
		f.logger.Debug("project ignore rules loaded", "file", source, "lines", len(project))
	}

	var exclude, reinclude []string
	for _, r := range ParseRules(append(slices.Clone(f.rules), project...)) {
		if !doublestar.ValidatePattern(r.Glob) {
			f.logger.Warn("skipping invalid ignore rule", "glob", r.Glob)
			continue
		}
		if r.Negated {
			reinclude = append(reinclude, r.Glob)
		} else {
			exclude = append(exclude, r.Glob)
		}
	}

	return &Matcher{
		exclude:   braceGlob(append(exclude, f.critical...)),
		critical:  braceGlob(f.critical),
		reinclude: reinclude,
	}, nil
}

// Enumerate lists every included file, sorted by path.
func (f *Filter) Enumerate(ctx context.Context, ws snap.Workspace) ([]snap.FileInfo, error) {
	m, err := f.Compile(ws)
	if err != nil {
		return nil, err
	}
	return m.Enumerate(ctx, ws)
}

// Matcher is a compiled set of ignore rules.
type Matcher struct {
	exclude   string
	critical  string
	reinclude []string
}

// ExcludeGlob returns the single brace expression of every exclusion,
// critical paths included.
func (m *Matcher) ExcludeGlob() string {
	return m.exclude
}

// ReincludeGlobs returns one glob per negated rule.
func (m *Matcher) ReincludeGlobs() []string {
	return slices.Clone(m.reinclude)
}

// Ignored reports whether a workspace-relative path is left out of snapshots.
func (m *Matcher) Ignored(rel string) bool {
	if Excluded(m.critical, rel) {
		return true
	}
	if !Excluded(m.exclude, rel) {
		return false
	}
	for _, g := range m.reinclude {
		if ok, _ := doublestar.Match(g, rel); ok {
			return false
		}
	}
	return true
}

// Prunable reports whether nothing beneath the directory rel can be included,
// so a walk may skip it. An excluded directory stays walkable while a
// re-include glob could still reach into it.
func (m *Matcher) Prunable(rel string) bool {
	if Excluded(m.critical, rel) {
		return true
	}
	if !m.Ignored(rel) {
		return false
	}
	for _, g := range m.reinclude {
		base, _ := doublestar.SplitPattern(g)
		if base == "." || base == "/" {
			return false
		}
		if base == rel || strings.HasPrefix(base, rel+"/") || strings.HasPrefix(rel, base+"/") {
			return false
		}
	}
	return true
}

// Enumerate runs the two-pass enumeration: everything outside the exclude
// glob, then each re-include glob with only critical paths excluded.
func (m *Matcher) Enumerate(ctx context.Context, ws snap.Workspace) ([]snap.FileInfo, error) {
	files, err := ws.FindFiles(ctx, "**", m.exclude)
	if err != nil {
		return nil, fmt.Errorf("enumerating files: %w", err)
	}

	for _, g := range m.reinclude {
		extra, err := ws.FindFiles(ctx, g, m.critical)
		if err != nil {
			return nil, fmt.Errorf("enumerating re-included files %s: %w", g, err)
		}
		files = append(files, extra...)
	}

	slices.SortFunc(files, func(a, b snap.FileInfo) int { return strings.Compare(a.Path, b.Path) })
	return slices.CompactFunc(files, func(a, b snap.FileInfo) bool { return a.Path == b.Path }), nil
}

// Excluded reports whether glob matches rel or any of its parent directories.
// An empty glob excludes nothing. Workspace implementations use it so that an
// excluded directory hides everything beneath it.
func Excluded(glob, rel string) bool {
	if glob == "" {
		return false
	}
	for p := rel; p != "." && p != "/" && p != ""; p = path.Dir(p) {
		if ok, _ := doublestar.Match(glob, p); ok {
			return true
		}
	}
	return false
}

func braceGlob(globs []string) string {
	switch len(globs) {
	case 0:
		return ""
	case 1:
		return globs[0]
	}
	return "{" + strings.Join(globs, ",") + "}"
}
