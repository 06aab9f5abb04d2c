// Package extract classifies raw compiler problems into a closed set of
// typed records the terminal formatter and the browser overlay render.
package extract

import (
	"encoding/json"
	"fmt"

	"github.com/conneroisu/devloop/internal/typecheck"
)

// Kind is the discriminant of a Record.
type Kind string

const (
	KindSyntaxError    Kind = "syntax-error"
	KindModuleNotFound Kind = "module-not-found-error"
	KindLintErrors     Kind = "lint-errors"
	KindTypeScript     Kind = "tsc"
	KindGeneric        Kind = "generic"
)

// Record is one of SyntaxError, ModuleNotFound, LintErrors, TypeScript or
// Generic. The set is closed; switch on the concrete type.
type Record interface {
	Kind() Kind
	isRecord()
}

// SyntaxError is a parse failure in one file.
type SyntaxError struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

// ModuleNotFound lists every file importing an unresolvable module.
type ModuleNotFound struct {
	Module string   `json:"module"`
	Files  []string `json:"files"`
}

// LintMessage is one finding reported by a linter.
type LintMessage struct {
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Message  string `json:"message"`
	RuleID   string `json:"ruleId"`
	Severity int    `json:"severity"`
}

// LintFile groups findings for one file.
type LintFile struct {
	FilePath string        `json:"filePath"`
	Messages []LintMessage `json:"messages"`
}

// LinterResult groups findings for one linter.
type LinterResult struct {
	Linter string     `json:"linter"`
	Files  []LintFile `json:"files"`
}

// LintErrors folds every linter run of a build into one record.
type LintErrors struct {
	Linters []LinterResult `json:"linters"`
}

// TypeScript wraps a type-checker issue.
type TypeScript struct {
	typecheck.Issue
}

// Generic is the fallback for anything unclassified.
type Generic struct {
	File    string `json:"file"`
	Message string `json:"message"`
}

func (SyntaxError) Kind() Kind    { return KindSyntaxError }
func (ModuleNotFound) Kind() Kind { return KindModuleNotFound }
func (LintErrors) Kind() Kind     { return KindLintErrors }
func (TypeScript) Kind() Kind     { return KindTypeScript }
func (Generic) Kind() Kind        { return KindGeneric }

func (SyntaxError) isRecord()    {}
func (ModuleNotFound) isRecord() {}
func (LintErrors) isRecord()     {}
func (TypeScript) isRecord()     {}
func (Generic) isRecord()        {}

// MarshalRecord encodes r with its "type" discriminant.
func MarshalRecord(r Record) ([]byte, error) {
	var body interface{}
	switch v := r.(type) {
	case SyntaxError:
		type alias SyntaxError
		body = struct {
			Type Kind `json:"type"`
			alias
		}{v.Kind(), alias(v)}
	case ModuleNotFound:
		type alias ModuleNotFound
		body = struct {
			Type Kind `json:"type"`
			alias
		}{v.Kind(), alias(v)}
	case LintErrors:
		type alias LintErrors
		body = struct {
			Type Kind `json:"type"`
			alias
		}{v.Kind(), alias(v)}
	case TypeScript:
		body = struct {
			Type Kind `json:"type"`
			typecheck.Issue
		}{v.Kind(), v.Issue}
	case Generic:
		type alias Generic
		body = struct {
			Type Kind `json:"type"`
			alias
		}{v.Kind(), alias(v)}
	default:
		return nil, fmt.Errorf("unknown record %T", r)
	}
	return json.Marshal(body)
}

// UnmarshalRecord decodes a record by its "type" discriminant.
func UnmarshalRecord(data []byte) (Record, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.Type {
	case KindSyntaxError:
		var r SyntaxError
		err := json.Unmarshal(data, &r)
		return r, err
	case KindModuleNotFound:
		var r ModuleNotFound
		err := json.Unmarshal(data, &r)
		return r, err
	case KindLintErrors:
		var r LintErrors
		err := json.Unmarshal(data, &r)
		return r, err
	case KindTypeScript:
		var r TypeScript
		err := json.Unmarshal(data, &r.Issue)
		return r, err
	case KindGeneric:
		var r Generic
		err := json.Unmarshal(data, &r)
		return r, err
	default:
		return nil, fmt.Errorf("unknown record type %q", head.Type)
	}
}

// Records is a JSON-aware list of records.
type Records []Record

// MarshalJSON encodes every record with its discriminant. A nil list encodes
// as an empty array so clients never see null.
func (rs Records) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(rs))
	for _, r := range rs {
		b, err := MarshalRecord(r)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes a list of discriminated records.
func (rs *Records) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Records, 0, len(raw))
	for _, item := range raw {
		r, err := UnmarshalRecord(item)
		if err != nil {
			return err
		}
		out = append(out, r)
	}
	*rs = out
	return nil
}
