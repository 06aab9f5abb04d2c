// Package format turns extracted records into colorized terminal text.
package format

import (
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/conneroisu/devloop/internal/compiler"
	"github.com/conneroisu/devloop/internal/extract"
)

// Headlines printed above a batch of records.
const (
	HeadlineFailed   = "Failed to compile."
	HeadlineWarnings = "Compiled with warnings."
	HeadlineSuccess  = "Compiled successfully!"
)

// frameContext is the number of lines shown around a code frame target.
const frameContext = 2

// Styles holds every style the formatter uses.
type Styles struct {
	Error   lipgloss.Style
	Warning lipgloss.Style
	Success lipgloss.Style
	File    lipgloss.Style
	Dim     lipgloss.Style
	Marker  lipgloss.Style
	Rule    lipgloss.Style
}

// NewStyles builds styles bound to renderer.
func NewStyles(r *lipgloss.Renderer) Styles {
	return Styles{
		Error:   r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		Warning: r.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		Success: r.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		File:    r.NewStyle().Foreground(lipgloss.Color("6")).Underline(true),
		Dim:     r.NewStyle().Foreground(lipgloss.Color("8")),
		Marker:  r.NewStyle().Foreground(lipgloss.Color("1")),
		Rule:    r.NewStyle().Foreground(lipgloss.Color("8")).Italic(true),
	}
}

// Formatter renders records. The zero value is not usable; use New or Plain.
type Formatter struct {
	styles Styles
	title  cases.Caser
	cwd    string
}

// New returns a formatter whose color support is detected from w.
func New(w io.Writer) *Formatter {
	return newFormatter(lipgloss.NewRenderer(w))
}

// Plain returns a formatter that never emits escape codes.
func Plain() *Formatter {
	r := lipgloss.NewRenderer(io.Discard)
	r.SetColorProfile(termenv.Ascii)
	return newFormatter(r)
}

func newFormatter(r *lipgloss.Renderer) *Formatter {
	return &Formatter{
		styles: NewStyles(r),
		title:  cases.Title(language.English),
	}
}

// WithBase makes file paths relative to dir where possible.
func (f *Formatter) WithBase(dir string) *Formatter {
	clone := *f
	clone.cwd = dir
	return &clone
}

// Styles exposes the formatter's styles to other terminal renderers.
func (f *Formatter) Styles() Styles { return f.styles }

// FormatMessages renders a headline followed by every record of the more
// severe non-empty list.
func (f *Formatter) FormatMessages(errs, warnings extract.Records, fileMap map[string]string) string {
	var b strings.Builder
	switch {
	case len(errs) > 0:
		b.WriteString(f.styles.Error.Render(HeadlineFailed))
		for _, r := range errs {
			b.WriteString("\n\n")
			b.WriteString(f.FormatRecord(r, fileMap))
		}
	case len(warnings) > 0:
		b.WriteString(f.styles.Warning.Render(HeadlineWarnings))
		for _, r := range warnings {
			b.WriteString("\n\n")
			b.WriteString(f.FormatRecord(r, fileMap))
		}
	default:
		b.WriteString(f.styles.Success.Render(HeadlineSuccess))
	}
	return b.String()
}

var locationSuffix = regexp.MustCompile(`\((\d+):(\d+)\)$`)

// FormatRecord renders one record. fileMap supplies source text for code
// frames and may be nil.
func (f *Formatter) FormatRecord(r extract.Record, fileMap map[string]string) string {
	switch v := r.(type) {
	case extract.SyntaxError:
		out := f.file(v.File) + "\n" + f.styles.Error.Render("Syntax error:") + " " + v.Message
		if m := locationSuffix.FindStringSubmatch(v.Message); m != nil {
			line, _ := strconv.Atoi(m[1])
			col, _ := strconv.Atoi(m[2])
			out += f.frame(fileMap, v.File, line, col)
		}
		return out

	case extract.ModuleNotFound:
		var b strings.Builder
		fmt.Fprintf(&b, "%s Can't resolve '%s' in:", f.styles.Error.Render("Module not found:"), v.Module)
		for _, file := range v.Files {
			b.WriteString("\n  " + f.file(file))
		}
		return b.String()

	case extract.LintErrors:
		return f.lint(v)

	case extract.TypeScript:
		label := f.styles.Error.Render("TypeScript error")
		if v.Severity == "warning" {
			label = f.styles.Warning.Render("TypeScript warning")
		}
		name := v.RelativeFile
		if name == "" {
			name = v.File
		}
		head := ""
		if name != "" {
			head = f.file(name)
			if v.Location != nil {
				head += f.styles.Dim.Render(fmt.Sprintf("(%d,%d)", v.Location.Start.Line, v.Location.Start.Column))
			}
			head += "\n"
		}
		out := fmt.Sprintf("%s%s %s: %s", head, label, v.Code, v.Message)
		if v.Location != nil {
			out += f.frame(fileMap, v.File, v.Location.Start.Line, v.Location.Start.Column)
		}
		return out

	case extract.Generic:
		if v.File == "" {
			return v.Message
		}
		return f.file(v.File) + "\n" + v.Message

	default:
		return fmt.Sprintf("%v", r)
	}
}

func (f *Formatter) lint(rec extract.LintErrors) string {
	var b strings.Builder
	for i, linter := range rec.Linters {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(f.styles.Rule.Render(f.title.String(linter.Linter)))
		for _, file := range linter.Files {
			b.WriteString("\n" + f.file(file.FilePath))
			for _, m := range file.Messages {
				sev := f.styles.Warning.Render(f.title.String("warning"))
				if m.Severity >= 2 {
					sev = f.styles.Error.Render(f.title.String("error"))
				}
				fmt.Fprintf(&b, "\n  %s  %s  %s", f.styles.Dim.Render(fmt.Sprintf("%d:%d", m.Line, m.Column)), sev, m.Message)
				if m.RuleID != "" {
					b.WriteString("  " + f.styles.Dim.Render(m.RuleID))
				}
			}
		}
	}
	return b.String()
}

func (f *Formatter) file(path string) string {
	if f.cwd != "" && filepath.IsAbs(path) {
		if rel, err := filepath.Rel(f.cwd, path); err == nil && !strings.HasPrefix(rel, "..") {
			path = rel
		}
	}
	return f.styles.File.Render(path)
}

func (f *Formatter) frame(fileMap map[string]string, file string, line, col int) string {
	source, ok := fileMap[file]
	if !ok || line <= 0 {
		return ""
	}
	frame := f.CodeFrame(source, line, col)
	if frame == "" {
		return ""
	}
	return "\n\n" + frame
}

// CodeFrame renders the lines around line with a marker at column. Both are
// 1-based. It returns "" when line is outside source.
func (f *Formatter) CodeFrame(source string, line, column int) string {
	lines := strings.Split(strings.ReplaceAll(source, "\r\n", "\n"), "\n")
	if line < 1 || line > len(lines) {
		return ""
	}

	first := max(1, line-frameContext)
	last := min(len(lines), line+frameContext)
	width := len(strconv.Itoa(last))

	var b strings.Builder
	for n := first; n <= last; n++ {
		gutter := fmt.Sprintf(" %*d | ", width, n)
		if n == line {
			b.WriteString(f.styles.Marker.Render(">") + gutter + lines[n-1] + "\n")
			if column > 0 {
				pad := strings.Repeat(" ", width+2)
				b.WriteString(" " + pad + "| " + caretPad(lines[n-1], column) + f.styles.Marker.Render("^") + "\n")
			}
			continue
		}
		b.WriteString(f.styles.Dim.Render(" "+gutter+lines[n-1]) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// caretPad keeps tabs so the caret lines up under tab-indented code.
func caretPad(line string, column int) string {
	var b strings.Builder
	for i, r := range line {
		if i >= column-1 {
			break
		}
		if r == '\t' {
			b.WriteRune('\t')
		} else {
			b.WriteRune(' ')
		}
	}
	return b.String()
}

// FormatSummary renders a one-line build summary.
func (f *Formatter) FormatSummary(result *compiler.Result) string {
	var size uint64
	files := 0
	for _, out := range result.Outputs {
		if filepath.Ext(out.Path) == ".map" {
			continue
		}
		size += uint64(len(out.Contents))
		files++
	}

	name := result.Name
	if name == "" {
		name = "bundle"
	}
	style := f.styles.Success
	if result.HasErrors() {
		style = f.styles.Error
	} else if len(result.Warnings) > 0 {
		style = f.styles.Warning
	}
	return fmt.Sprintf("%s %s in %s (%d %s, %s)",
		style.Render(name),
		f.styles.Dim.Render(result.Hash),
		result.Duration.Round(time.Millisecond),
		files, plural(files, "file", "files"),
		humanize.Bytes(size))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
