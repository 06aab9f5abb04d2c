package lint

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/devloop/internal/compiler"
	"github.com/conneroisu/devloop/internal/extract"
)

const eslintReport = `[
  {"filePath": "/app/src/a.ts", "messages": [
    {"ruleId": "no-unused-vars", "severity": 2, "message": "'x' is assigned a value but never used.", "line": 1, "column": 7},
    {"ruleId": null, "severity": 1, "message": "Parsing hint", "line": 4, "column": 1}
  ], "errorCount": 1, "warningCount": 1},
  {"filePath": "/app/src/b.ts", "messages": [], "errorCount": 0, "warningCount": 0}
]`

func fixedRunner(out string, err error) func(ctx context.Context, dir, command string, args ...string) ([]byte, error) {
	return func(ctx context.Context, dir, command string, args ...string) ([]byte, error) {
		return []byte(out), err
	}
}

func TestLinter_Run(t *testing.T) {
	l, err := New(Options{Runner: fixedRunner(eslintReport, nil)})
	require.NoError(t, err)

	results, err := l.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "eslint", results[0].Linter)
	require.Len(t, results[0].Files, 1)
	file := results[0].Files[0]
	assert.Equal(t, "/app/src/a.ts", file.FilePath)
	assert.Equal(t, extract.LintMessage{Line: 1, Column: 7, Message: "'x' is assigned a value but never used.", RuleID: "no-unused-vars", Severity: 2}, file.Messages[0])
	assert.Equal(t, "", file.Messages[1].RuleID)
	assert.True(t, HasErrors(results))
}

func TestLinter_RunCleanProject(t *testing.T) {
	l, err := New(Options{Runner: fixedRunner(`[{"filePath":"/app/a.ts","messages":[]}]`, nil)})
	require.NoError(t, err)

	results, err := l.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)

	text, err := Encode(results)
	require.NoError(t, err)
	assert.Equal(t, "lintdata:[]", text)
}

func TestLinter_RunFailures(t *testing.T) {
	l, err := New(Options{Runner: fixedRunner("", errors.New("exec: \"eslint\": executable file not found"))})
	require.NoError(t, err)
	_, err = l.Run(context.Background())
	assert.Error(t, err)

	l, err = New(Options{Runner: fixedRunner("Oops! Something went wrong", nil)})
	require.NoError(t, err)
	_, err = l.Run(context.Background())
	assert.Error(t, err)
}

func TestNew_RejectsShellCommand(t *testing.T) {
	_, err := New(Options{Command: "eslint; rm -rf /"})
	assert.Error(t, err)
}

func TestEncode_RoundTripsThroughExtractor(t *testing.T) {
	l, err := New(Options{Linter: "stylelint", Runner: fixedRunner(eslintReport, nil)})
	require.NoError(t, err)

	results, err := l.Run(context.Background())
	require.NoError(t, err)
	text, err := Encode(results)
	require.NoError(t, err)

	errs, _ := extract.Extract(&compiler.Result{Errors: []compiler.Problem{
		{Name: compiler.NameModuleBuildError, Plugin: l.Name(), Message: text},
	}})
	require.Len(t, errs, 1)
	assert.Equal(t, extract.LintErrors{Linters: results}, errs[0])
}
