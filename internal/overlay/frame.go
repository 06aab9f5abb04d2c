package overlay

import (
	"regexp"
	"strconv"

	"github.com/conneroisu/devloop/internal/extract"
	"github.com/conneroisu/devloop/internal/highlight"
)

// frameContext is the number of lines shown on each side of a target line.
const frameContext = 2

// FrameLine is one line of a code frame.
type FrameLine struct {
	Number int
	Text   string
	Target bool
}

// CodeFrame is a window of highlighted source around a position.
type CodeFrame struct {
	File   string
	Line   int
	Column int
	Lines  []FrameLine
}

// BuildFrame slices the highlighted lines of file around line. It returns
// false when the source is unknown or line is out of range.
func BuildFrame(hl *highlight.Highlighter, file string, line, column int) (CodeFrame, bool) {
	if hl == nil || file == "" || line < 1 {
		return CodeFrame{}, false
	}
	lines, ok := hl.Lines(file)
	if !ok || line > len(lines) {
		return CodeFrame{}, false
	}
	frame := CodeFrame{File: file, Line: line, Column: column}
	for n := max(1, line-frameContext); n <= min(len(lines), line+frameContext); n++ {
		frame.Lines = append(frame.Lines, FrameLine{Number: n, Text: lines[n-1], Target: n == line})
	}
	return frame, true
}

var syntaxLocation = regexp.MustCompile(`\((\d+):(\d+)\)$`)

// recordLocation returns the source position a record points at, if any.
func recordLocation(r extract.Record) (file string, line, column int, ok bool) {
	switch v := r.(type) {
	case extract.SyntaxError:
		m := syntaxLocation.FindStringSubmatch(v.Message)
		if m == nil {
			return "", 0, 0, false
		}
		line, _ = strconv.Atoi(m[1])
		column, _ = strconv.Atoi(m[2])
		return v.File, line, column, true
	case extract.TypeScript:
		if v.Location == nil {
			return "", 0, 0, false
		}
		return v.File, v.Location.Start.Line, v.Location.Start.Column, true
	}
	return "", 0, 0, false
}

// Pager tracks the visible runtime error.
type Pager struct {
	Index int
	Total int
}

// HasPrev reports whether Prev would move.
func (p Pager) HasPrev() bool { return p.Index > 0 }

// HasNext reports whether Next would move.
func (p Pager) HasNext() bool { return p.Index < p.Total-1 }

// Prev moves back one error, stopping at the first.
func (p Pager) Prev() Pager {
	if p.HasPrev() {
		p.Index--
	}
	return p
}

// Next moves forward one error, stopping at the last.
func (p Pager) Next() Pager {
	if p.HasNext() {
		p.Index++
	}
	return p
}

// Resize clamps the index to a new total.
func (p Pager) Resize(total int) Pager {
	p.Total = total
	if p.Index >= total {
		p.Index = max(0, total-1)
	}
	return p
}
