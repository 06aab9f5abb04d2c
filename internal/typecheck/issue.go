// Package typecheck runs a TypeScript type-checking pass next to the bundler.
//
// The pass is slower than the bundle itself, so in async mode it completes
// independently of the build and reports its issues tagged with the hash of
// the build it checked. In sync mode the caller blocks on Check and folds the
// issues into the compile result.
package typecheck

import (
	"regexp"
	"strconv"
	"strings"
)

// Severity of a type-check issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Position is a 1-based line/column pair.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Location spans the code an issue points at.
type Location struct {
	Start Position  `json:"start"`
	End   *Position `json:"end,omitempty"`
}

// Issue is one diagnostic reported by the type checker.
type Issue struct {
	Severity     Severity  `json:"severity"`
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	File         string    `json:"file,omitempty"`
	RelativeFile string    `json:"relativeFile,omitempty"`
	Location     *Location `json:"location,omitempty"`
}

// Partition splits issues by severity, keeping their order.
func Partition(issues []Issue) (errs, warnings []Issue) {
	for _, issue := range issues {
		if issue.Severity == SeverityWarning {
			warnings = append(warnings, issue)
			continue
		}
		errs = append(errs, issue)
	}
	return errs, warnings
}

type issuePattern struct {
	regex       *regexp.Regexp
	parseFields func(matches []string) Issue
}

var issuePatterns = []issuePattern{
	{
		// src/app.ts(12,5): error TS2322: Type 'string' is not assignable.
		regex: regexp.MustCompile(`^(.+?)\((\d+),(\d+)\): (error|warning) (TS\d+): (.*)$`),
		parseFields: func(m []string) Issue {
			line, _ := strconv.Atoi(m[2])
			column, _ := strconv.Atoi(m[3])
			return Issue{
				Severity:     Severity(m[4]),
				Code:         m[5],
				Message:      m[6],
				RelativeFile: m[1],
				Location:     &Location{Start: Position{Line: line, Column: column}},
			}
		},
	},
	{
		// src/app.ts:12:5 - error TS2322: Type 'string' is not assignable.
		regex: regexp.MustCompile(`^(.+?):(\d+):(\d+) - (error|warning) (TS\d+): (.*)$`),
		parseFields: func(m []string) Issue {
			line, _ := strconv.Atoi(m[2])
			column, _ := strconv.Atoi(m[3])
			return Issue{
				Severity:     Severity(m[4]),
				Code:         m[5],
				Message:      m[6],
				RelativeFile: m[1],
				Location:     &Location{Start: Position{Line: line, Column: column}},
			}
		},
	},
	{
		// error TS5023: Unknown compiler option 'foo'.
		regex: regexp.MustCompile(`^(error|warning) (TS\d+): (.*)$`),
		parseFields: func(m []string) Issue {
			return Issue{
				Severity: Severity(m[1]),
				Code:     m[2],
				Message:  m[3],
			}
		},
	},
}

// ParseOutput turns compiler output into issues. Indented continuation lines
// are appended to the message of the issue above them; unrecognised lines
// are ignored. Relative paths are resolved against dir.
func ParseOutput(output, dir string) []Issue {
	var issues []Issue

	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && len(issues) > 0 {
			last := &issues[len(issues)-1]
			last.Message += "\n" + strings.TrimSpace(line)
			continue
		}

		for _, pattern := range issuePatterns {
			matches := pattern.regex.FindStringSubmatch(line)
			if matches == nil {
				continue
			}
			issue := pattern.parseFields(matches)
			if issue.RelativeFile != "" {
				issue.File = resolve(dir, issue.RelativeFile)
			}
			issues = append(issues, issue)
			break
		}
	}

	return issues
}
