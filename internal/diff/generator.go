// Package diff renders line-oriented unified-style diffs, used to preview
// how a migration would rewrite a session store before it runs.
package diff

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Generator renders diffs with optional ANSI color.
type Generator struct {
	contextLines int
	colorEnabled bool
}

// NewGenerator creates a diff generator. contextLines bounds how much
// unchanged text surrounds each change; longer equal runs are collapsed.
func NewGenerator(contextLines int, colorEnabled bool) *Generator {
	if contextLines < 1 {
		contextLines = 3
	}
	return &Generator{
		contextLines: contextLines,
		colorEnabled: colorEnabled,
	}
}

// Result contains the rendered diff and its statistics.
type Result struct {
	Text    string
	Added   int
	Deleted int
}

// Lines produces a line-based diff between old and new content. Identical
// content yields an empty Result.
func (g *Generator) Lines(oldContent, newContent, label string) *Result {
	if oldContent == newContent {
		return &Result{}
	}

	dmp := diffmatchpatch.New()
	oldChars, newChars, lineArray := dmp.DiffLinesToChars(oldContent, newContent)
	diffs := dmp.DiffMain(oldChars, newChars, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var out strings.Builder
	out.WriteString(g.colorize("--- "+label+" (current)\n", color.FgRed))
	out.WriteString(g.colorize("+++ "+label+" (after migration)\n", color.FgGreen))

	added, deleted := 0, 0
	for i, d := range diffs {
		lines := splitLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			for _, line := range lines {
				out.WriteString(g.colorize("+"+line+"\n", color.FgGreen))
				added++
			}
		case diffmatchpatch.DiffDelete:
			for _, line := range lines {
				out.WriteString(g.colorize("-"+line+"\n", color.FgRed))
				deleted++
			}
		default:
			g.writeContext(&out, lines, i == 0, i == len(diffs)-1)
		}
	}

	return &Result{Text: out.String(), Added: added, Deleted: deleted}
}

// writeContext emits an equal run, collapsing the middle of long runs. A
// leading run keeps only its tail and a trailing run only its head, since
// no change sits beyond them.
func (g *Generator) writeContext(out *strings.Builder, lines []string, leading, trailing bool) {
	keepHead, keepTail := g.contextLines, g.contextLines
	if leading {
		keepHead = 0
	}
	if trailing {
		keepTail = 0
	}
	hidden := len(lines) - keepHead - keepTail
	if hidden <= 1 {
		for _, line := range lines {
			out.WriteString(" " + line + "\n")
		}
		return
	}
	for _, line := range lines[:keepHead] {
		out.WriteString(" " + line + "\n")
	}
	out.WriteString(g.colorize(fmt.Sprintf("@@ %d unchanged lines @@\n", hidden), color.FgCyan))
	for _, line := range lines[len(lines)-keepTail:] {
		out.WriteString(" " + line + "\n")
	}
}

// colorize applies color to text if color is enabled.
func (g *Generator) colorize(text string, attr color.Attribute) string {
	if !g.colorEnabled {
		return text
	}
	return color.New(attr).Sprint(text)
}

func splitLines(text string) []string {
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Summary returns a human-readable change count.
func (r *Result) Summary() string {
	if r.Added == 0 && r.Deleted == 0 {
		return "No changes"
	}
	var parts []string
	if r.Added > 0 {
		parts = append(parts, fmt.Sprintf("+%d lines", r.Added))
	}
	if r.Deleted > 0 {
		parts = append(parts, fmt.Sprintf("-%d lines", r.Deleted))
	}
	return strings.Join(parts, ", ")
}
