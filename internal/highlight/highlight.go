// Package highlight caches source files for code frames and syntax-highlights
// them on first read.
package highlight

import (
	"bytes"
	"html"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// Output formats.
const (
	FormatHTML     = "html"
	FormatTerminal = "terminal"
	FormatNone     = "none"
)

// Options configures a Highlighter.
type Options struct {
	// Style is a chroma style name. Defaults to "github".
	Style string
	// Format is FormatHTML, FormatTerminal or FormatNone.
	Format string
}

type entry struct {
	raw   string
	lines []string
	// highlighted is set once lines holds highlighted output.
	highlighted bool
}

// Highlighter maps absolute file paths to raw and highlighted source. All
// entries are dropped when the build hash changes.
type Highlighter struct {
	style     *chroma.Style
	formatter chroma.Formatter
	// escape is set when lines end up in HTML.
	escape bool

	mu         sync.Mutex
	hash       string
	generation int
	entries    map[string]*entry
}

// New creates an empty highlighter.
func New(opts Options) *Highlighter {
	name := opts.Style
	if name == "" {
		name = "github"
	}

	var formatter chroma.Formatter
	escape := false
	switch opts.Format {
	case FormatTerminal:
		formatter = formatters.Get("terminal256")
	case FormatNone:
	default:
		formatter = chromahtml.New(chromahtml.WithClasses(false), chromahtml.PreventSurroundingPre(true))
		escape = true
	}

	return &Highlighter{
		style:     styles.Get(name),
		formatter: formatter,
		escape:    escape,
		entries:   make(map[string]*entry),
	}
}

// SetHash drops every entry when hash differs from the last one seen.
func (h *Highlighter) SetHash(hash string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if hash == h.hash {
		return
	}
	h.hash = hash
	h.resetLocked()
}

// Reset drops every entry.
func (h *Highlighter) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetLocked()
}

func (h *Highlighter) resetLocked() {
	h.generation++
	h.entries = make(map[string]*entry)
}

// Generation increases every time the cache is dropped.
func (h *Highlighter) Generation() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.generation
}

// Add registers source for path. Existing entries are kept.
func (h *Highlighter) Add(path, source string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.entries[path]; ok {
		return
	}
	h.entries[path] = &entry{raw: source}
}

// AddAll registers every file of a status file map.
func (h *Highlighter) AddAll(files map[string]string) {
	for path, source := range files {
		h.Add(path, source)
	}
}

// Has reports whether path is cached.
func (h *Highlighter) Has(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.entries[path]
	return ok
}

// Raw returns the unhighlighted source of path.
func (h *Highlighter) Raw(path string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[path]
	if !ok {
		return "", false
	}
	return e.raw, true
}

// Lines returns the highlighted lines of path, highlighting on first use.
// Lines are rendered independently so any one can be shown on its own.
func (h *Highlighter) Lines(path string) ([]string, bool) {
	h.mu.Lock()
	e, ok := h.entries[path]
	gen := h.generation
	if !ok {
		h.mu.Unlock()
		return nil, false
	}
	if e.highlighted {
		lines := e.lines
		h.mu.Unlock()
		return lines, true
	}
	raw := e.raw
	h.mu.Unlock()

	lines := h.highlight(path, raw)

	h.mu.Lock()
	defer h.mu.Unlock()
	// Results computed against a dropped generation are returned but never
	// cached.
	if h.generation == gen {
		if cur, ok := h.entries[path]; ok && cur == e {
			e.lines = lines
			e.highlighted = true
		}
	}
	return lines, true
}

func (h *Highlighter) highlight(path, source string) []string {
	plain := strings.Split(strings.ReplaceAll(source, "\r\n", "\n"), "\n")
	if h.formatter == nil {
		return plain
	}

	lexer := lexers.Match(path)
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	it, err := lexer.Tokenise(nil, strings.ReplaceAll(source, "\r\n", "\n"))
	if err != nil {
		return h.fallback(plain)
	}

	tokenLines := chroma.SplitTokensIntoLines(it.Tokens())
	out := make([]string, 0, len(tokenLines))
	for _, tokens := range tokenLines {
		if n := len(tokens); n > 0 {
			tokens[n-1].Value = strings.TrimSuffix(tokens[n-1].Value, "\n")
		}
		var buf bytes.Buffer
		if err := h.formatter.Format(&buf, h.style, chroma.Literator(tokens...)); err != nil {
			return h.fallback(plain)
		}
		out = append(out, buf.String())
	}

	// The tokeniser may drop a trailing empty line; keep line numbers aligned.
	for len(out) < len(plain) {
		out = append(out, "")
	}
	return out
}

// fallback returns unhighlighted lines, escaped when the output is HTML.
func (h *Highlighter) fallback(plain []string) []string {
	if !h.escape {
		return plain
	}
	out := make([]string, len(plain))
	for i, line := range plain {
		out[i] = html.EscapeString(line)
	}
	return out
}
