// Package diff creates and applies line-based unified diffs between text
// snapshots of a single file.
package diff

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"github.com/sergi/go-diff/diffmatchpatch"

	"wsnap/internal/snap"
)

// DefaultContext is the number of unchanged lines kept around each change.
const DefaultContext = 3

// Codec implements snap.DiffCodec.
type Codec struct {
	context int
}

var _ snap.DiffCodec = (*Codec)(nil)

// NewCodec returns a Codec emitting DefaultContext lines of context.
func NewCodec() *Codec {
	return &Codec{context: DefaultContext}
}

// Create returns a unified diff turning oldContent into newContent, or "" if
// they are identical. label names the file in the --- / +++ headers, with
// control characters escaped so the header stays on one line.
func (c *Codec) Create(label, oldContent, newContent string) string {
	if oldContent == newContent {
		return ""
	}

	ops := lineOps(oldContent, newContent)

	var b strings.Builder
	label = headerLabel(label)
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", label, label)
	for _, h := range buildHunks(ops, c.context) {
		h.writeTo(&b)
	}
	return b.String()
}

// Apply applies patch to base. An empty patch returns base unchanged. The
// patch must hold exactly one file record and match base exactly.
func (c *Codec) Apply(base, patch, path string) (string, error) {
	if patch == "" {
		return base, nil
	}

	files, _, err := gitdiff.Parse(strings.NewReader(patch))
	if err != nil {
		return "", &snap.Error{Op: "parse patch", Path: path, Err: fmt.Errorf("%w: %v", snap.ErrMalformedPatch, err)}
	}
	if len(files) != 1 {
		return "", &snap.Error{Op: "parse patch", Path: path, Err: fmt.Errorf("%w: expected 1 file record, got %d", snap.ErrMalformedPatch, len(files))}
	}

	var out bytes.Buffer
	if err := gitdiff.Apply(&out, strings.NewReader(base), files[0]); err != nil {
		return "", &snap.Error{Op: "apply patch", Path: path, Err: fmt.Errorf("%w: %v", snap.ErrPatchFailed, err)}
	}
	return out.String(), nil
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)

// headerLabel escapes the characters that would end or split a header line,
// and quotes, which would otherwise start a quoted name.
func headerLabel(label string) string {
	return labelEscaper.Replace(label)
}

// op is one line of an edit script: ' ' keep, '-' delete, '+' insert.
type op struct {
	kind byte
	text string // includes the trailing newline when the line has one
}

// lineOps computes a line-granular edit script.
func lineOps(oldContent, newContent string) []op {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []op
	for _, d := range diffs {
		var kind byte
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			kind = ' '
		case diffmatchpatch.DiffDelete:
			kind = '-'
		case diffmatchpatch.DiffInsert:
			kind = '+'
		}
		for _, line := range splitLines(d.Text) {
			ops = append(ops, op{kind: kind, text: line})
		}
	}
	return ops
}

// splitLines splits s after each newline. Only the last element may lack one.
func splitLines(s string) []string {
	var lines []string
	for s != "" {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			lines = append(lines, s)
			break
		}
		lines = append(lines, s[:i+1])
		s = s[i+1:]
	}
	return lines
}

type hunk struct {
	oldStart, newStart int // lines preceding the hunk in each file
	ops                []op
}

// buildHunks groups changes separated by at most 2*context unchanged lines.
func buildHunks(ops []op, context int) []hunk {
	n := len(ops)
	oldAt := make([]int, n+1)
	newAt := make([]int, n+1)
	for i, o := range ops {
		oldAt[i+1] = oldAt[i]
		newAt[i+1] = newAt[i]
		if o.kind != '+' {
			oldAt[i+1]++
		}
		if o.kind != '-' {
			newAt[i+1]++
		}
	}

	var hunks []hunk
	k := 0
	for k < n {
		if ops[k].kind == ' ' {
			k++
			continue
		}
		start := max(0, k-context)

		j := k
		var end int
		for {
			for j < n && ops[j].kind != ' ' {
				j++
			}
			e := j
			for e < n && ops[e].kind == ' ' {
				e++
			}
			if e < n && e-j <= 2*context {
				j = e
				continue
			}
			end = min(n, j+context)
			break
		}

		hunks = append(hunks, hunk{oldStart: oldAt[start], newStart: newAt[start], ops: ops[start:end]})
		k = end
	}
	return hunks
}

func (h hunk) writeTo(b *strings.Builder) {
	var oldLines, newLines int
	for _, o := range h.ops {
		if o.kind != '+' {
			oldLines++
		}
		if o.kind != '-' {
			newLines++
		}
	}

	fmt.Fprintf(b, "@@ -%d,%d +%d,%d @@\n", rangeStart(h.oldStart, oldLines), oldLines, rangeStart(h.newStart, newLines), newLines)
	for _, o := range h.ops {
		b.WriteByte(o.kind)
		b.WriteString(o.text)
		if !strings.HasSuffix(o.text, "\n") {
			b.WriteString("\n\\ No newline at end of file\n")
		}
	}
}

// rangeStart converts a count of preceding lines into a hunk header position.
// Empty ranges point at the line before the change.
func rangeStart(preceding, count int) int {
	if count == 0 {
		return preceding
	}
	return preceding + 1
}
