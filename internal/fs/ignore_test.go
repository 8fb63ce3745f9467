package fs

import (
	"testing"

	"github.com/bmatcuk/doublestar/v4"
)

func TestParseRules(t *testing.T) {
	t.Run("skips blank lines and comments", func(t *testing.T) {
		t.Parallel()
		rules := ParseRules([]string{"", "  ", "# comment", "*.log", "!", "/"})
		if len(rules) != 1 {
			t.Fatalf("expected 1 rule, got %d", len(rules))
		}
		if rules[0].Glob != "**/*.log" {
			t.Errorf("expected **/*.log, got %s", rules[0].Glob)
		}
	})

	t.Run("marks negated rules", func(t *testing.T) {
		t.Parallel()
		rules := ParseRules([]string{"*.log", "!keep.log"})
		if rules[0].Negated {
			t.Error("*.log should not be negated")
		}
		if !rules[1].Negated || rules[1].Glob != "**/keep.log" {
			t.Errorf("got %+v, want negated **/keep.log", rules[1])
		}
	})
}

func TestRuleGlob(t *testing.T) {
	tests := []struct {
		rule string
		want string
	}{
		{rule: "*.log", want: "**/*.log"},
		{rule: ".DS_Store", want: "**/.DS_Store"},
		{rule: "build/", want: "**/build/**"},
		{rule: "/build/", want: "build/**"},
		{rule: "/notes.txt", want: "notes.txt"},
		{rule: "docs/*.md", want: "docs/*.md"},
		{rule: "src/gen/", want: "src/gen/**"},
		{rule: "a,b", want: `**/a\,b`},
	}

	for _, tt := range tests {
		t.Run(tt.rule, func(t *testing.T) {
			t.Parallel()
			if got := RuleGlob(tt.rule); got != tt.want {
				t.Errorf("RuleGlob(%q) = %q, want %q", tt.rule, got, tt.want)
			}
		})
	}
}

func TestRuleGlob_Matching(t *testing.T) {
	tests := []struct {
		name string
		rule string
		path string
		want bool
	}{
		{name: "basename rule matches root file", rule: "*.log", path: "app.log", want: true},
		{name: "basename rule matches nested file", rule: "*.log", path: "sub/dir/app.log", want: true},
		{name: "basename rule ignores other extension", rule: "*.log", path: "app.txt", want: false},
		{name: "directory rule matches contents", rule: "build/", path: "build/main.o", want: true},
		{name: "directory rule matches nested directory", rule: "build/", path: "pkg/build/main.o", want: true},
		{name: "anchored directory rule skips nested", rule: "/build/", path: "pkg/build/main.o", want: false},
		{name: "anchored file rule", rule: "/notes.txt", path: "notes.txt", want: true},
		{name: "anchored file rule skips nested", rule: "/notes.txt", path: "docs/notes.txt", want: false},
		{name: "inner slash is anchored", rule: "docs/*.md", path: "docs/a.md", want: true},
		{name: "inner slash star stays in one directory", rule: "docs/*.md", path: "docs/sub/a.md", want: false},
		{name: "question mark", rule: "?.txt", path: "a.txt", want: true},
		{name: "question mark single char", rule: "?.txt", path: "ab.txt", want: false},
		{name: "character class", rule: "*.[oa]", path: "main.o", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := doublestar.Match(RuleGlob(tt.rule), tt.path)
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Match(%q, %q) = %v, want %v", RuleGlob(tt.rule), tt.path, got, tt.want)
			}
		})
	}
}
