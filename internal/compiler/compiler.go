// Package compiler is the boundary between devloop and the bundler. It
// exposes a bundler-neutral Result, lifecycle hooks fired around every
// rebuild, and a one-shot RunOnce for production builds.
package compiler

import (
	"context"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
	"time"

	deverrors "github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/typecheck"
)

// Problem names. They mirror the classes of failure a bundler reports and
// drive classification in the extract package.
const (
	NameSyntaxError         = "SyntaxError"
	NameModuleNotFoundError = "ModuleNotFoundError"
	NameModuleBuildError    = "ModuleBuildError"
	NameTypeCheckError      = "TypeCheckError"
	NameModuleWarning       = "ModuleWarning"
)

// Problem is one error or warning reported by a compilation.
type Problem struct {
	Name     string
	Message  string
	File     string
	Module   string
	Plugin   string
	Line     int
	Column   int
	LineText string
	Issue    *typecheck.Issue
}

// Output is one emitted file.
type Output struct {
	Path     string
	Contents []byte
	Hash     string
}

// Result is the summary of one compilation. Children hold nested
// sub-compilations; a bundler usually surfaces a failure at exactly one level.
type Result struct {
	Name     string
	Hash     string
	Duration time.Duration
	Errors   []Problem
	Warnings []Problem
	Children []*Result
	Outputs  []Output
}

// HasErrors reports whether this result or any child has errors.
func (r *Result) HasErrors() bool {
	if r == nil {
		return false
	}
	if len(r.Errors) > 0 {
		return true
	}
	for _, child := range r.Children {
		if child.HasErrors() {
			return true
		}
	}
	return false
}

// Err summarises a failed compilation as a build error located at its first
// error. It returns nil when there are no errors.
func (r *Result) Err() error {
	first, count := r.firstError()
	if count == 0 {
		return nil
	}
	msg := first.Message
	if count > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, count-1)
	}
	return deverrors.NewBuildError(deverrors.ErrCodeBuildFailed, msg, nil).
		WithLocation(first.File, first.Line, first.Column).
		WithContext("errors", count)
}

func (r *Result) firstError() (Problem, int) {
	if r == nil {
		return Problem{}, 0
	}
	var first Problem
	count := len(r.Errors)
	if count > 0 {
		first = r.Errors[0]
	}
	for _, child := range r.Children {
		p, n := child.firstError()
		if count == 0 && n > 0 {
			first = p
		}
		count += n
	}
	return first, count
}

// Compiler is the collaborator the status store is driven by.
type Compiler interface {
	OnInvalidate(fn func())
	OnDone(fn func(*Result))
	RunOnce(ctx context.Context) (*Result, error)
	Watch(ctx context.Context) error
	Close() error
}

// Hooks holds lifecycle callbacks. Callbacks are invoked serially in
// registration order; there is no way to remove one once added.
type Hooks struct {
	mu         sync.RWMutex
	invalidate []func()
	done       []func(*Result)
}

// OnInvalidate registers a callback fired when sources change.
func (h *Hooks) OnInvalidate(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.invalidate = append(h.invalidate, fn)
}

// OnDone registers a callback fired when a compilation finishes.
func (h *Hooks) OnDone(fn func(*Result)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.done = append(h.done, fn)
}

// FireInvalidate runs every invalidate callback.
func (h *Hooks) FireInvalidate() {
	h.mu.RLock()
	callbacks := append([]func(){}, h.invalidate...)
	h.mu.RUnlock()

	for _, fn := range callbacks {
		fn()
	}
}

// FireDone runs every done callback with result.
func (h *Hooks) FireDone(result *Result) {
	h.mu.RLock()
	callbacks := append([]func(*Result){}, h.done...)
	h.mu.RUnlock()

	for _, fn := range callbacks {
		fn(result)
	}
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ContentHash returns the hex CRC32-Castagnoli digest of data.
func ContentHash(data []byte) string {
	return fmt.Sprintf("%08x", crc32.Checksum(data, crcTable))
}

// ComputeHash derives the build identity from outputs and problems, so any
// change in what the build produced or reported yields a new hash.
func ComputeHash(outputs []Output, errs, warnings []Problem) string {
	h := crc32.New(crcTable)

	sorted := append([]Output{}, outputs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for _, out := range sorted {
		hash := out.Hash
		if hash == "" {
			hash = ContentHash(out.Contents)
		}
		fmt.Fprintf(h, "o:%s:%s\n", out.Path, hash)
	}
	for _, p := range errs {
		fmt.Fprintf(h, "e:%s:%s:%d:%d:%s\n", p.Name, p.File, p.Line, p.Column, p.Message)
	}
	for _, p := range warnings {
		fmt.Fprintf(h, "w:%s:%s:%d:%d:%s\n", p.Name, p.File, p.Line, p.Column, p.Message)
	}

	return fmt.Sprintf("%08x", h.Sum32())
}
