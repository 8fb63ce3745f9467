package fs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	iofs "io/fs"
	"strings"

	"wsnap/internal/snap"
)

// Project rule files, in order of precedence.
const (
	OverrideIgnoreFile = ".wsnapignore"
	GitIgnoreFile      = ".gitignore"
)

// DefaultIgnoreRules are applied before any project rules.
var DefaultIgnoreRules = []string{
	"*.log",
	"*.tmp",
	"*.swp",
	"*~",
	".cache/",
	"build/",
	"dist/",
	"out/",
	"target/",
	"coverage/",
}

// criticalNames are directories that never take part in snapshots.
var criticalNames = []string{
	"node_modules",
	"bower_components",
	"vendor",
	".git",
	".hg",
	".svn",
	"venv",
	".venv",
	"__pycache__",
}

// Rule is one parsed ignore rule.
type Rule struct {
	Glob    string
	Negated bool
}

// ParseRules converts raw gitignore-style lines into glob rules. Blank lines
// and lines starting with '#' are skipped.
func ParseRules(lines []string) []Rule {
	var rules []Rule
	for _, raw := range lines {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		negated := strings.HasPrefix(raw, "!")
		raw = strings.TrimPrefix(raw, "!")
		if raw == "" || raw == "/" {
			continue
		}
		rules = append(rules, Rule{Glob: RuleGlob(raw), Negated: negated})
	}
	return rules
}

// RuleGlob converts a single rule into a doublestar glob relative to the
// workspace root:
//
//	*.log       -> **/*.log      (no slash: any depth)
//	build/      -> **/build/**   (trailing slash: the directory and its contents)
//	/notes.txt  -> notes.txt     (leading slash: anchored)
//	docs/*.md   -> docs/*.md     (inner slash: anchored)
func RuleGlob(rule string) string {
	dir := strings.HasSuffix(rule, "/")
	rule = strings.TrimSuffix(rule, "/")

	anchored := strings.Contains(rule, "/")
	rule = strings.TrimPrefix(rule, "/")
	rule = strings.ReplaceAll(rule, ",", `\,`)

	glob := rule
	if !anchored {
		glob = "**/" + glob
	}
	if dir {
		glob += "/**"
	}
	return glob
}

// ReadProjectRules returns the lines of the workspace's project rule file
// and its name. The override file wins when it holds at least one rule;
// otherwise the git ignore file is used. Both missing yields nil.
func ReadProjectRules(ws snap.Workspace) ([]string, string, error) {
	for _, name := range []string{OverrideIgnoreFile, GitIgnoreFile} {
		lines, err := readRuleFile(ws, name)
		if err != nil {
			return nil, "", err
		}
		if len(ParseRules(lines)) > 0 {
			return lines, name, nil
		}
	}
	return nil, "", nil
}

// readRuleFile reads a rule file from the workspace and returns its raw lines.
// Returns nil and no error if the file does not exist.
func readRuleFile(ws snap.Workspace, name string) ([]string, error) {
	data, err := ws.ReadFile(name)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return lines, nil
}
