package overlay

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/conneroisu/devloop/internal/extract"
	"github.com/conneroisu/devloop/internal/format"
	"github.com/conneroisu/devloop/internal/highlight"
)

// TerminalDocument prints the overlay to a terminal. It is ready as soon as
// it is mounted and shows every runtime error at once.
type TerminalDocument struct {
	mu sync.Mutex
	w  io.Writer
	f  *format.Formatter
}

var _ Document = (*TerminalDocument)(nil)

// NewTerminalDocument writes to w using f.
func NewTerminalDocument(w io.Writer, f *format.Formatter) *TerminalDocument {
	return &TerminalDocument{w: w, f: f}
}

// Mount is a Mounter.
func (t *TerminalDocument) Mount(ready func(Document)) { ready(t) }

func (t *TerminalDocument) RenderCompileErrors(errs extract.Records, hl *highlight.Highlighter) bool {
	if len(errs) == 0 {
		return false
	}
	t.print(t.f.Styles().Error.Render(format.HeadlineFailed), errs, hl)
	return true
}

func (t *TerminalDocument) RenderCompileWarnings(warnings extract.Records, hl *highlight.Highlighter) bool {
	if len(warnings) == 0 {
		return false
	}
	t.print(t.f.Styles().Warning.Render(format.HeadlineWarnings), warnings, hl)
	return true
}

func (t *TerminalDocument) RenderRuntimeErrors(records []RuntimeError, hl *highlight.Highlighter) bool {
	if len(records) == 0 {
		return false
	}
	s := t.f.Styles()
	var b strings.Builder
	for i, rec := range records {
		if i > 0 {
			b.WriteString("\n")
		}
		title := "Unhandled Runtime Error"
		if rec.IsUnhandledRejection {
			title = "Unhandled Rejection"
		}
		name, message := "Error", ""
		if rec.Error != nil {
			if rec.Error.Name != "" {
				name = rec.Error.Name
			}
			message = rec.Error.Message
		}
		fmt.Fprintf(&b, "%s (%d of %d)\n%s: %s\n", s.Error.Render(title), i+1, len(records), name, message)
		for _, f := range rec.StackFrames {
			loc := fmt.Sprintf("%s:%d:%d", f.Compiled.File, f.Compiled.Line, f.Compiled.Column)
			if f.Src != nil {
				loc = fmt.Sprintf("%s:%d:%d", f.Src.File, f.Src.Line, f.Src.Column)
			}
			line := fmt.Sprintf("  at %s %s", f.Fn, s.File.Render(loc))
			if f.Src != nil && f.Src.External {
				line = s.Dim.Render(fmt.Sprintf("  at %s %s", f.Fn, loc))
			}
			b.WriteString(line + "\n")
		}
	}
	t.write(b.String())
	return true
}

// Callbacks are not used; a terminal has nothing to click.
func (t *TerminalDocument) SetClearCallback(func())    {}
func (t *TerminalDocument) SetMinimizeCallback(func()) {}

func (t *TerminalDocument) print(headline string, records extract.Records, hl *highlight.Highlighter) {
	var b strings.Builder
	b.WriteString(headline + "\n")
	for _, r := range records {
		b.WriteString("\n" + t.f.FormatRecord(r, sources(hl, r)) + "\n")
	}
	t.write(b.String())
}

func (t *TerminalDocument) write(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = io.WriteString(t.w, s)
}

// sources collects the raw text of the file a record points at.
func sources(hl *highlight.Highlighter, r extract.Record) map[string]string {
	file, _, _, ok := recordLocation(r)
	if !ok || hl == nil {
		return nil
	}
	raw, ok := hl.Raw(file)
	if !ok {
		return nil
	}
	return map[string]string{file: raw}
}
