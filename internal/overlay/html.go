package overlay

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/a-h/templ"

	"github.com/conneroisu/devloop/internal/extract"
	"github.com/conneroisu/devloop/internal/format"
	"github.com/conneroisu/devloop/internal/highlight"
)

type view int

const (
	viewNone view = iota
	viewErrors
	viewWarnings
	viewRuntime
)

// HTMLDocument renders the overlay as a standalone page meant to be loaded
// into an iframe. The page posts its buttons back to sibling routes:
// overlay/clear, overlay/minimize, overlay/prev and overlay/next.
type HTMLDocument struct {
	text *format.Formatter

	mu         sync.Mutex
	view       view
	records    extract.Records
	runtime    []RuntimeError
	pager      Pager
	hl         *highlight.Highlighter
	onClear    func()
	onMinimize func()
	loaded     bool
	ready      func(Document)
}

var _ Document = (*HTMLDocument)(nil)

// NewHTMLDocument creates an unloaded document.
func NewHTMLDocument() *HTMLDocument {
	return &HTMLDocument{text: format.Plain()}
}

// Mount is a Mounter. ready fires on the first Load.
func (d *HTMLDocument) Mount(ready func(Document)) {
	d.mu.Lock()
	if d.loaded {
		d.mu.Unlock()
		ready(d)
		return
	}
	d.ready = ready
	d.mu.Unlock()
}

// Load marks the page as loaded by the browser.
func (d *HTMLDocument) Load() {
	d.mu.Lock()
	if d.loaded {
		d.mu.Unlock()
		return
	}
	d.loaded = true
	ready := d.ready
	d.ready = nil
	d.mu.Unlock()
	if ready != nil {
		ready(d)
	}
}

func (d *HTMLDocument) RenderCompileErrors(errs extract.Records, hl *highlight.Highlighter) bool {
	return d.show(viewErrors, errs, nil, hl)
}

func (d *HTMLDocument) RenderCompileWarnings(warnings extract.Records, hl *highlight.Highlighter) bool {
	return d.show(viewWarnings, warnings, nil, hl)
}

func (d *HTMLDocument) RenderRuntimeErrors(records []RuntimeError, hl *highlight.Highlighter) bool {
	return d.show(viewRuntime, nil, records, hl)
}

func (d *HTMLDocument) show(v view, records extract.Records, runtime []RuntimeError, hl *highlight.Highlighter) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(records) == 0 && len(runtime) == 0 {
		d.view = viewNone
		return false
	}
	d.view = v
	d.records = records
	d.runtime = runtime
	d.pager = d.pager.Resize(len(runtime))
	d.hl = hl
	return true
}

func (d *HTMLDocument) SetClearCallback(fn func()) {
	d.mu.Lock()
	d.onClear = fn
	d.mu.Unlock()
}

func (d *HTMLDocument) SetMinimizeCallback(fn func()) {
	d.mu.Lock()
	d.onMinimize = fn
	d.mu.Unlock()
}

// Clear dismisses every runtime error.
func (d *HTMLDocument) Clear() {
	d.mu.Lock()
	if d.view == viewRuntime {
		d.view = viewNone
	}
	d.runtime = nil
	d.pager = Pager{}
	fn := d.onClear
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Minimize collapses warnings.
func (d *HTMLDocument) Minimize() {
	d.mu.Lock()
	fn := d.onMinimize
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Prev shows the previous runtime error.
func (d *HTMLDocument) Prev() {
	d.mu.Lock()
	d.pager = d.pager.Prev()
	d.mu.Unlock()
}

// Next shows the next runtime error.
func (d *HTMLDocument) Next() {
	d.mu.Lock()
	d.pager = d.pager.Next()
	d.mu.Unlock()
}

// Pager returns the runtime error position.
func (d *HTMLDocument) Pager() Pager {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pager
}

// Component renders the current view.
func (d *HTMLDocument) Component() templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		d.mu.Lock()
		var b strings.Builder
		d.page(&b)
		d.mu.Unlock()
		_, err := io.WriteString(w, b.String())
		return err
	})
}

func (d *HTMLDocument) page(b *strings.Builder) {
	b.WriteString(`<!DOCTYPE html><html><head><meta charset="utf-8"><title>devloop</title><style>`)
	b.WriteString(overlayCSS)
	b.WriteString(`</style></head><body>`)
	switch d.view {
	case viewErrors:
		b.WriteString(`<div id="overlay" data-view="errors"><header><h1 class="error">`)
		b.WriteString(templ.EscapeString(format.HeadlineFailed))
		b.WriteString(`</h1></header>`)
		d.writeRecords(b, d.records)
		b.WriteString(`</div>`)
	case viewWarnings:
		b.WriteString(`<div id="overlay" data-view="warnings"><header><h1 class="warning">`)
		b.WriteString(templ.EscapeString(format.HeadlineWarnings))
		b.WriteString(`</h1><form method="post" action="overlay/minimize"><button id="minimize" type="submit">Minimize</button></form></header>`)
		d.writeRecords(b, d.records)
		b.WriteString(`</div>`)
	case viewRuntime:
		d.runtimeView(b)
	default:
		b.WriteString(`<div id="overlay" data-view="none"></div>`)
	}
	b.WriteString(`</body></html>`)
}

func (d *HTMLDocument) writeRecords(b *strings.Builder, records extract.Records) {
	for _, r := range records {
		fmt.Fprintf(b, `<section class="record" data-kind="%s"><pre class="message">%s</pre>`,
			templ.EscapeString(string(r.Kind())), templ.EscapeString(d.text.FormatRecord(r, nil)))
		if file, line, col, ok := recordLocation(r); ok {
			if frame, ok := BuildFrame(d.hl, file, line, col); ok {
				writeFrame(b, frame)
			}
		}
		b.WriteString(`</section>`)
	}
}

func (d *HTMLDocument) runtimeView(b *strings.Builder) {
	rec := d.runtime[d.pager.Index]
	title := "Unhandled Runtime Error"
	if rec.IsUnhandledRejection {
		title = "Unhandled Rejection"
	}

	fmt.Fprintf(b, `<div id="overlay" data-view="runtime"><header><h1 class="error">%s</h1><nav>`, title)
	b.WriteString(`<form method="post" action="overlay/prev"><button id="prev" type="submit"`)
	if !d.pager.HasPrev() {
		b.WriteString(` disabled`)
	}
	fmt.Fprintf(b, `>&lsaquo;</button></form><span id="count">%d of %d</span>`, d.pager.Index+1, d.pager.Total)
	b.WriteString(`<form method="post" action="overlay/next"><button id="next" type="submit"`)
	if !d.pager.HasNext() {
		b.WriteString(` disabled`)
	}
	b.WriteString(`>&rsaquo;</button></form></nav>`)
	b.WriteString(`<form method="post" action="overlay/clear"><button id="clear" type="submit">Dismiss</button></form></header>`)

	name, message := "Error", ""
	if rec.Error != nil {
		if rec.Error.Name != "" {
			name = rec.Error.Name
		}
		message = rec.Error.Message
	}
	fmt.Fprintf(b, `<section class="runtime-error" data-id="%s"><h2>%s: %s</h2><ol class="frames">`,
		templ.EscapeString(rec.ID), templ.EscapeString(name), templ.EscapeString(message))
	for _, f := range rec.StackFrames {
		external := f.Src != nil && f.Src.External
		class := "frame"
		if external {
			class += " external"
		}
		location := fmt.Sprintf("%s:%d:%d", f.Compiled.File, f.Compiled.Line, f.Compiled.Column)
		if f.Src != nil {
			location = fmt.Sprintf("%s:%d:%d", f.Src.File, f.Src.Line, f.Src.Column)
		}
		fmt.Fprintf(b, `<li class="%s"><span class="fn">%s</span> <span class="location">%s</span>`,
			class, templ.EscapeString(f.Fn), templ.EscapeString(location))
		if f.Src != nil && !external {
			if frame, ok := BuildFrame(d.hl, f.Src.File, f.Src.Line, f.Src.Column); ok {
				writeFrame(b, frame)
			}
		}
		b.WriteString(`</li>`)
	}
	b.WriteString(`</ol></section></div>`)
}

// writeFrame emits highlighter lines, which are already HTML-escaped.
func writeFrame(b *strings.Builder, frame CodeFrame) {
	b.WriteString(`<pre class="code-frame">`)
	for _, line := range frame.Lines {
		class := "line"
		if line.Target {
			class += " target"
		}
		fmt.Fprintf(b, `<div class="%s"><span class="gutter">%d</span><code>%s</code></div>`, class, line.Number, line.Text)
	}
	b.WriteString(`</pre>`)
}

const overlayCSS = `
body{margin:0;background:rgba(0,0,0,.85);color:#e8e8e8;font:14px/1.5 ui-monospace,SFMono-Regular,Menlo,monospace}
#overlay{padding:2rem;max-width:960px;margin:0 auto}
header{display:flex;align-items:center;gap:1rem}
h1{font-size:1.4rem;margin:0;flex:1}
h1.error{color:#ff5555}h1.warning{color:#f1fa8c}
nav{display:flex;align-items:center;gap:.5rem}
button{background:#333;color:inherit;border:1px solid #555;border-radius:4px;padding:.2rem .7rem;cursor:pointer}
button[disabled]{opacity:.4;cursor:default}
.record,.runtime-error{margin-top:1.5rem}
pre{white-space:pre-wrap;margin:0}
.code-frame{background:#fff;color:#24292e;border-radius:4px;padding:.5rem;margin-top:.5rem;overflow-x:auto}
.code-frame .line{white-space:pre}
.code-frame .target{background:#ffeef0}
.gutter{display:inline-block;min-width:3ch;color:#999;margin-right:1ch;text-align:right}
.frames{padding-left:1.2rem}
.frame.external{opacity:.5}
.location{color:#8be9fd}
`
