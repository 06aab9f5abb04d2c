package devserver

import (
	"fmt"
	"io"
	"sync"

	"github.com/conneroisu/devloop/internal/compiler"
	"github.com/conneroisu/devloop/internal/extract"
	"github.com/conneroisu/devloop/internal/format"
	"github.com/conneroisu/devloop/internal/overlay"
	"github.com/conneroisu/devloop/internal/status"
	"github.com/conneroisu/devloop/internal/typecheck"
)

// reporter prints build results to the terminal.
type reporter struct {
	mu    sync.Mutex
	w     io.Writer
	f     *format.Formatter
	store *status.Store
}

func newReporter(w io.Writer, f *format.Formatter, store *status.Store) *reporter {
	return &reporter{w: w, f: f, store: store}
}

func (r *reporter) invalidated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, r.f.Styles().Dim.Render("Compiling..."))
}

func (r *reporter) done(result *compiler.Result) {
	if result == nil {
		return
	}
	errs, warnings := extract.Extract(result)
	fileMap := r.store.Snapshot().FileMap

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, r.f.FormatMessages(errs, warnings, fileMap))
	fmt.Fprintln(r.w, r.f.FormatSummary(result))
}

func (r *reporter) runtimeError(rec overlay.RuntimeError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	overlay.NewTerminalDocument(r.w, r.f).RenderRuntimeErrors([]overlay.RuntimeError{rec}, nil)
}

// typeChecked prints the side-channel issues and passes them on unchanged.
func (r *reporter) typeChecked(issues []typecheck.Issue, _ string) []typecheck.Issue {
	if len(issues) == 0 {
		return issues
	}
	errs, warnings := typecheck.Partition(issues)
	var errRecords, warnRecords extract.Records
	for _, issue := range errs {
		errRecords = append(errRecords, extract.TypeScript{Issue: issue})
	}
	for _, issue := range warnings {
		warnRecords = append(warnRecords, extract.TypeScript{Issue: issue})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, r.f.Styles().Dim.Render("Type check:"))
	fmt.Fprintln(r.w, r.f.FormatMessages(errRecords, warnRecords, nil))
	return issues
}
