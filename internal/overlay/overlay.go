// Package overlay decides what the in-page problem overlay shows.
//
// The overlay derives one of a fixed set of modes from the latest build
// data and drives an isolated Document that does the actual rendering. The
// document is mounted lazily; render calls made before it is ready are
// coalesced into a single deferred call replayed once on readiness.
package overlay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/conneroisu/devloop/internal/extract"
	"github.com/conneroisu/devloop/internal/highlight"
	"github.com/conneroisu/devloop/internal/stackframe"
	"github.com/conneroisu/devloop/internal/status"
)

// Mode is the visual mode of the overlay. Modes are ordered: compile
// problems outrank runtime errors.
type Mode int

const (
	ModeCompiling Mode = iota
	ModeNoProblems
	ModeWarningsMinimized
	ModeWarnings
	ModeCompileErrors
)

var modeNames = [...]string{"compiling", "no-problems", "warnings-minimized", "warnings", "compile-errors"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return "unknown"
	}
	return modeNames[m]
}

// MarshalText encodes the mode name.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// DeriveMode picks the mode for a build state.
func DeriveMode(compiling bool, errs, warnings int, minimized bool) Mode {
	switch {
	case compiling:
		return ModeCompiling
	case errs > 0:
		return ModeCompileErrors
	case warnings > 0 && minimized:
		return ModeWarningsMinimized
	case warnings > 0:
		return ModeWarnings
	default:
		return ModeNoProblems
	}
}

// ShowsRuntimeErrors reports whether runtime errors may be rendered in m.
func (m Mode) ShowsRuntimeErrors() bool {
	return m > ModeCompiling && m < ModeWarnings
}

// ErrorInfo identifies a thrown value. Deduplication compares pointers, so
// the same value reported twice is recorded once.
type ErrorInfo struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// RuntimeError is one uncaught error or unhandled rejection.
type RuntimeError struct {
	ID                   string             `json:"id"`
	Error                *ErrorInfo         `json:"error"`
	IsUnhandledRejection bool               `json:"isUnhandledRejection"`
	StackFrames          []stackframe.Frame `json:"stackFrames"`
}

// Document is the isolated rendering surface. Each render method reports
// whether it displayed anything.
type Document interface {
	RenderCompileErrors(errs extract.Records, hl *highlight.Highlighter) bool
	RenderCompileWarnings(warnings extract.Records, hl *highlight.Highlighter) bool
	RenderRuntimeErrors(records []RuntimeError, hl *highlight.Highlighter) bool
	SetClearCallback(fn func())
	SetMinimizeCallback(fn func())
}

// Mounter creates the document and calls ready once it can render.
type Mounter func(ready func(Document))

// BuildData is the compile state the overlay renders.
type BuildData struct {
	Compiling bool
	Hash      string
	Errors    extract.Records
	Warnings  extract.Records
	FileMap   map[string]string
}

// State is what the host page needs to show around the document.
type State struct {
	Mode          Mode   `json:"mode"`
	Visible       bool   `json:"visible"`
	Banner        bool   `json:"banner"`
	Badge         int    `json:"badge"`
	RuntimeErrors int    `json:"runtimeErrors"`
	// Revision increases with every render, so hosts can tell when the
	// document content changed.
	Revision      uint64 `json:"revision"`
}

// Overlay is the overlay state machine.
type Overlay struct {
	mount    Mounter
	hl       *highlight.Highlighter
	onChange func(State)

	mu        sync.Mutex
	doc       Document
	mounting  bool
	pending   func(Document)
	build     BuildData
	minimized bool
	runtime   []RuntimeError
	state     State
	revision  uint64
}

// New creates an overlay. hl caches sources for code frames; onChange, when
// non-nil, is called after every transition.
func New(mount Mounter, hl *highlight.Highlighter, onChange func(State)) *Overlay {
	if hl == nil {
		hl = highlight.New(highlight.Options{})
	}
	return &Overlay{
		mount:     mount,
		hl:        hl,
		onChange:  onChange,
		build:     BuildData{Compiling: true},
		minimized: true,
		state:     State{Mode: ModeCompiling, Banner: true},
	}
}

// Highlighter returns the source cache shared with the document.
func (o *Overlay) Highlighter() *highlight.Highlighter { return o.hl }

// State returns the current host state.
func (o *Overlay) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SetBuildData is the only way to change compile state.
func (o *Overlay) SetBuildData(data BuildData) {
	o.mu.Lock()
	if data.Hash != "" {
		o.hl.SetHash(data.Hash)
	}
	o.hl.AddAll(data.FileMap)
	if len(data.Warnings) == 0 {
		o.minimized = true
	}
	o.build = data
	state := o.renderLocked()
	o.mu.Unlock()
	o.notify(state)
}

// ApplyStatus converts an event stream status into build data. Type-check
// issues are appended after the bundler's records.
func (o *Overlay) ApplyStatus(msg status.Message) {
	data := BuildData{
		Compiling: msg.Compiling,
		Hash:      msg.HashValue(),
		Errors:    append(extract.Records{}, msg.Errors...),
		Warnings:  append(extract.Records{}, msg.Warnings...),
		FileMap:   msg.FileMap,
	}
	if msg.TSC != nil {
		for _, issue := range msg.TSC.Errors {
			data.Errors = append(data.Errors, extract.TypeScript{Issue: issue})
		}
		if len(data.Errors) == 0 {
			for _, issue := range msg.TSC.Warnings {
				data.Warnings = append(data.Warnings, extract.TypeScript{Issue: issue})
			}
		}
	}
	if len(data.Errors) > 0 {
		data.Warnings = nil
	}
	o.SetBuildData(data)
}

// ReportRuntimeError records a runtime error. It returns the record, or
// false when err was already reported.
func (o *Overlay) ReportRuntimeError(err *ErrorInfo, unhandledRejection bool, frames []stackframe.Frame) (RuntimeError, bool) {
	o.mu.Lock()
	for _, existing := range o.runtime {
		if existing.Error == err {
			o.mu.Unlock()
			return RuntimeError{}, false
		}
	}
	rec := RuntimeError{
		ID:                   uuid.NewString(),
		Error:                err,
		IsUnhandledRejection: unhandledRejection,
		StackFrames:          frames,
	}
	o.runtime = append(o.runtime, rec)
	state := o.renderLocked()
	o.mu.Unlock()
	o.notify(state)
	return rec, true
}

// UpdateFrames replaces the frames of a recorded error, e.g. once they have
// been enhanced.
func (o *Overlay) UpdateFrames(id string, frames []stackframe.Frame) bool {
	o.mu.Lock()
	found := false
	for i := range o.runtime {
		if o.runtime[i].ID == id {
			o.runtime[i].StackFrames = frames
			found = true
			break
		}
	}
	var state State
	if found {
		state = o.renderLocked()
	}
	o.mu.Unlock()
	if found {
		o.notify(state)
	}
	return found
}

// RuntimeErrors returns a copy of the recorded runtime errors.
func (o *Overlay) RuntimeErrors() []RuntimeError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]RuntimeError(nil), o.runtime...)
}

// ClearRuntimeErrors drops every runtime error at once.
func (o *Overlay) ClearRuntimeErrors() {
	o.mu.Lock()
	o.runtime = nil
	state := o.renderLocked()
	o.mu.Unlock()
	o.notify(state)
}

// Minimize collapses warnings into the badge.
func (o *Overlay) Minimize() { o.setMinimized(true) }

// Expand shows warnings full screen.
func (o *Overlay) Expand() { o.setMinimized(false) }

func (o *Overlay) setMinimized(minimized bool) {
	o.mu.Lock()
	o.minimized = minimized
	state := o.renderLocked()
	o.mu.Unlock()
	o.notify(state)
}

func (o *Overlay) notify(state State) {
	if o.onChange != nil {
		o.onChange(state)
	}
}

// renderLocked derives the mode and drives the document. Callers hold mu.
func (o *Overlay) renderLocked() State {
	b := o.build
	mode := DeriveMode(b.Compiling, len(b.Errors), len(b.Warnings), o.minimized)

	o.revision++
	state := State{Mode: mode, RuntimeErrors: len(o.runtime), Revision: o.revision}
	switch mode {
	case ModeCompiling:
		state.Banner = true
	case ModeCompileErrors:
		state.Visible = true
		errs := b.Errors
		o.withDocument(func(d Document) { d.RenderCompileErrors(errs, o.hl) })
	case ModeWarnings:
		state.Visible = true
		warnings := b.Warnings
		o.withDocument(func(d Document) { d.RenderCompileWarnings(warnings, o.hl) })
	}

	if mode == ModeWarningsMinimized {
		state.Badge = len(b.Warnings)
	}
	if mode.ShowsRuntimeErrors() && len(o.runtime) > 0 {
		state.Visible = true
		records := append([]RuntimeError(nil), o.runtime...)
		o.withDocument(func(d Document) { d.RenderRuntimeErrors(records, o.hl) })
	}

	o.state = state
	return state
}

// withDocument runs fn now when the document is ready, otherwise stores it
// as the single deferred call and starts mounting.
func (o *Overlay) withDocument(fn func(Document)) {
	if o.doc != nil {
		fn(o.doc)
		return
	}
	o.pending = fn
	if o.mounting || o.mount == nil {
		return
	}
	o.mounting = true
	// Mounters may call ready synchronously.
	go o.mount(o.ready)
}

func (o *Overlay) ready(doc Document) {
	doc.SetClearCallback(o.ClearRuntimeErrors)
	doc.SetMinimizeCallback(o.Minimize)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.doc != nil {
		return
	}
	o.doc = doc
	if fn := o.pending; fn != nil {
		o.pending = nil
		fn(doc)
	}
}

// Ready reports whether the document has mounted.
func (o *Overlay) Ready() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.doc != nil
}
