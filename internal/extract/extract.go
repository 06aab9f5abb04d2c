package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conneroisu/devloop/internal/compiler"
)

// LintSentinel prefixes a problem message carrying serialised lint results.
// Lint plugins have no structured channel into the bundler result, so they
// smuggle JSON through the message text behind this prefix.
const LintSentinel = "lintdata:"

// Severity selects which side of a result to extract.
type Severity int

const (
	SeverityError Severity = iota
	SeverityWarning
)

// Extract returns the error records of result, and its warning records only
// when there are no errors.
func Extract(result *compiler.Result) (errs, warnings Records) {
	errs = ExtractSeverity(result, SeverityError)
	if len(errs) > 0 {
		return errs, Records{}
	}
	return errs, ExtractSeverity(result, SeverityWarning)
}

// ExtractSeverity classifies the problems of one severity.
func ExtractSeverity(result *compiler.Result, sev Severity) Records {
	return classify(collect(result, sev))
}

// collect gathers problems of sev. Children are searched only when the
// parent itself reports none.
func collect(result *compiler.Result, sev Severity) []compiler.Problem {
	if result == nil {
		return nil
	}

	own := result.Errors
	if sev == SeverityWarning {
		own = result.Warnings
	}
	if len(own) > 0 || len(result.Children) == 0 {
		return own
	}

	var out []compiler.Problem
	for _, child := range result.Children {
		out = append(out, collect(child, sev)...)
	}
	return out
}

func classify(problems []compiler.Problem) Records {
	var (
		syntax  Records
		modules moduleIndex
		linters lintFolder
		tsc     Records
		generic Records
		sawLint bool
	)

	for _, p := range problems {
		switch {
		case isSyntaxError(p):
			syntax = append(syntax, SyntaxError{File: p.File, Message: syntaxMessage(p)})
		case p.Name == compiler.NameModuleNotFoundError:
			modules.add(moduleName(p), p.File)
		case strings.HasPrefix(p.Message, LintSentinel):
			sawLint = true
			linters.add(p)
		case p.Name == compiler.NameTypeCheckError && p.Issue != nil:
			tsc = append(tsc, TypeScript{Issue: *p.Issue})
		default:
			generic = append(generic, Generic{File: p.File, Message: Clean(p.Message)})
		}
	}

	out := make(Records, 0, len(problems))
	out = append(out, syntax...)
	out = append(out, modules.records()...)
	if sawLint {
		if rec, ok := linters.record(); ok {
			out = append(out, rec)
		}
	}
	out = append(out, tsc...)
	out = append(out, generic...)
	return out
}

func isSyntaxError(p compiler.Problem) bool {
	return p.Name == compiler.NameSyntaxError || strings.Contains(p.Message, "SyntaxError:")
}

func syntaxMessage(p compiler.Problem) string {
	msg := strings.TrimSpace(strings.TrimPrefix(p.Message, "SyntaxError: "))
	if i := strings.Index(msg, "SyntaxError: "); i >= 0 {
		msg = msg[i+len("SyntaxError: "):]
	}
	if p.Line > 0 {
		msg = fmt.Sprintf("%s (%d:%d)", msg, p.Line, p.Column)
	}
	return msg
}

func moduleName(p compiler.Problem) string {
	if p.Module != "" {
		return p.Module
	}
	// Fall back to the quoted specifier in the message.
	if start := strings.IndexAny(p.Message, `"'`); start >= 0 {
		quote := p.Message[start]
		if end := strings.IndexByte(p.Message[start+1:], quote); end >= 0 {
			return p.Message[start+1 : start+1+end]
		}
	}
	return strings.TrimSpace(p.Message)
}

// moduleIndex merges module-not-found problems per specifier, keeping first
// seen order of both specifiers and importing files.
type moduleIndex struct {
	order []string
	files map[string][]string
}

func (m *moduleIndex) add(module, file string) {
	if m.files == nil {
		m.files = make(map[string][]string)
	}
	files, seen := m.files[module]
	if !seen {
		m.order = append(m.order, module)
	}
	if file != "" {
		for _, f := range files {
			if f == file {
				return
			}
		}
		files = append(files, file)
	}
	m.files[module] = files
}

// records lists bare specifiers first, then relative ones.
func (m *moduleIndex) records() Records {
	var bare, relative Records
	for _, module := range m.order {
		files := m.files[module]
		if files == nil {
			files = []string{}
		}
		rec := ModuleNotFound{Module: module, Files: files}
		if isRelative(module) {
			relative = append(relative, rec)
		} else {
			bare = append(bare, rec)
		}
	}
	return append(bare, relative...)
}

func isRelative(module string) bool {
	return strings.HasPrefix(module, "./") ||
		strings.HasPrefix(module, "../") ||
		module == "." || module == ".." ||
		strings.HasPrefix(module, "/")
}

// lintFolder combines several linter runs into one record, merging files of
// the same linter.
type lintFolder struct {
	order   []string
	linters map[string]*LinterResult
}

func (l *lintFolder) add(p compiler.Problem) {
	payload := strings.TrimSpace(strings.TrimPrefix(p.Message, LintSentinel))

	var results []LinterResult
	if err := json.Unmarshal([]byte(payload), &results); err != nil {
		// A malformed payload still surfaces as a finding rather than vanishing.
		name := p.Plugin
		if name == "" {
			name = "lint"
		}
		results = []LinterResult{{
			Linter: name,
			Files: []LintFile{{
				FilePath: p.File,
				Messages: []LintMessage{{Message: "invalid lint payload: " + err.Error(), Severity: 2}},
			}},
		}}
	}

	if l.linters == nil {
		l.linters = make(map[string]*LinterResult)
	}
	for _, res := range results {
		files := nonEmptyFiles(res.Files)
		if len(files) == 0 {
			continue
		}
		existing, ok := l.linters[res.Linter]
		if !ok {
			l.order = append(l.order, res.Linter)
			existing = &LinterResult{Linter: res.Linter}
			l.linters[res.Linter] = existing
		}
		existing.Files = append(existing.Files, files...)
	}
}

func (l *lintFolder) record() (LintErrors, bool) {
	if len(l.order) == 0 {
		return LintErrors{}, false
	}
	rec := LintErrors{Linters: make([]LinterResult, 0, len(l.order))}
	for _, name := range l.order {
		rec.Linters = append(rec.Linters, *l.linters[name])
	}
	return rec, true
}

func nonEmptyFiles(files []LintFile) []LintFile {
	out := make([]LintFile, 0, len(files))
	for _, f := range files {
		if len(f.Messages) > 0 {
			out = append(out, f)
		}
	}
	return out
}
