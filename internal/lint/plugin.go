// Package lint runs an eslint-compatible linter at the end of every build and
// reports its findings through the bundler's message list.
//
// Findings travel as a single message whose text is the lintdata: sentinel
// followed by JSON, which the extract package folds back into a lint-errors
// record.
package lint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	"github.com/conneroisu/devloop/internal/extract"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/typecheck"
)

// Options configures the linter run.
type Options struct {
	// Linter names the tool in reports. Defaults to "eslint".
	Linter  string
	Command string
	Args    []string
	Dir     string
	Timeout time.Duration
	Runner  typecheck.Runner
	Logger  logging.Logger
}

// Linter runs one lint tool.
type Linter struct {
	name    string
	command string
	args    []string
	dir     string
	timeout time.Duration
	run     typecheck.Runner
	logger  logging.Logger
}

// eslintFile mirrors one entry of `eslint --format json`.
type eslintFile struct {
	FilePath string `json:"filePath"`
	Messages []struct {
		RuleID   *string `json:"ruleId"`
		Severity int     `json:"severity"`
		Message  string  `json:"message"`
		Line     int     `json:"line"`
		Column   int     `json:"column"`
	} `json:"messages"`
}

// New creates a linter. The command defaults to `eslint --format json .`.
func New(opts Options) (*Linter, error) {
	name := opts.Linter
	if name == "" {
		name = "eslint"
	}
	command := opts.Command
	args := opts.Args
	if command == "" {
		command = "eslint"
		if len(args) == 0 {
			args = []string{"--format", "json", "."}
		}
	}
	if strings.TrimSpace(command) == "" || strings.ContainsAny(command, ";&|`$\x00") {
		return nil, fmt.Errorf("invalid lint command %q", command)
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	runner := opts.Runner
	if runner == nil {
		runner = typecheck.ExecRunner
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Linter{
		name:    name,
		command: command,
		args:    args,
		dir:     dir,
		timeout: timeout,
		run:     runner,
		logger:  logger.WithComponent("lint"),
	}, nil
}

// Name returns the linter name used in reports.
func (l *Linter) Name() string { return l.name }

// Run lints the project once. Files without findings are dropped.
func (l *Linter) Run(ctx context.Context) ([]extract.LinterResult, error) {
	output, err := l.run(ctx, l.dir, l.command, l.args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// eslint exits 1 when it found problems; the report is still on stdout.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || len(output) == 0 {
			return nil, fmt.Errorf("running %s: %w", l.command, err)
		}
	}
	return l.parse(output)
}

func (l *Linter) parse(output []byte) ([]extract.LinterResult, error) {
	// Some wrappers print banners before the report.
	if i := strings.IndexByte(string(output), '['); i > 0 {
		output = output[i:]
	}

	var files []eslintFile
	if err := json.Unmarshal(output, &files); err != nil {
		return nil, fmt.Errorf("decoding %s report: %w", l.name, err)
	}

	result := extract.LinterResult{Linter: l.name}
	for _, f := range files {
		if len(f.Messages) == 0 {
			continue
		}
		lf := extract.LintFile{FilePath: f.FilePath}
		for _, m := range f.Messages {
			msg := extract.LintMessage{
				Line:     m.Line,
				Column:   m.Column,
				Message:  m.Message,
				Severity: m.Severity,
			}
			if m.RuleID != nil {
				msg.RuleID = *m.RuleID
			}
			lf.Messages = append(lf.Messages, msg)
		}
		result.Files = append(result.Files, lf)
	}

	if len(result.Files) == 0 {
		return []extract.LinterResult{}, nil
	}
	return []extract.LinterResult{result}, nil
}

// Encode renders results as a sentinel-prefixed message.
func Encode(results []extract.LinterResult) (string, error) {
	if results == nil {
		results = []extract.LinterResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return extract.LintSentinel + string(data), nil
}

// HasErrors reports whether any finding has error severity.
func HasErrors(results []extract.LinterResult) bool {
	for _, r := range results {
		for _, f := range r.Files {
			for _, m := range f.Messages {
				if m.Severity >= 2 {
					return true
				}
			}
		}
	}
	return false
}

// Plugin returns an esbuild plugin that lints after every build. Findings
// with error severity become a build error, otherwise a warning. A clean run
// adds nothing.
func (l *Linter) Plugin() api.Plugin {
	return api.Plugin{
		Name: l.name,
		Setup: func(build api.PluginBuild) {
			build.OnEnd(func(result *api.BuildResult) (api.OnEndResult, error) {
				ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
				defer cancel()

				results, err := l.Run(ctx)
				if err != nil {
					l.logger.Warn(ctx, err, "Lint run failed")
					return api.OnEndResult{}, nil
				}
				if len(results) == 0 {
					return api.OnEndResult{}, nil
				}

				text, err := Encode(results)
				if err != nil {
					return api.OnEndResult{}, err
				}
				msg := api.Message{PluginName: l.name, Text: text}
				if HasErrors(results) {
					result.Errors = append(result.Errors, msg)
				} else {
					result.Warnings = append(result.Warnings, msg)
				}
				return api.OnEndResult{}, nil
			})
		},
	}
}
