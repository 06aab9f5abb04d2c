package format

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/conneroisu/devloop/internal/compiler"
	"github.com/conneroisu/devloop/internal/extract"
	"github.com/conneroisu/devloop/internal/typecheck"
)

const source = "const a = 1\nconst b = 2\nconst c = ;\nconst d = 4\nconst e = 5\nconst f = 6"

func TestFormatMessages_Headlines(t *testing.T) {
	f := Plain()

	assert.Equal(t, HeadlineSuccess, f.FormatMessages(nil, nil, nil))

	warn := f.FormatMessages(nil, extract.Records{extract.Generic{Message: "careful"}}, nil)
	assert.True(t, strings.HasPrefix(warn, HeadlineWarnings))
	assert.Contains(t, warn, "careful")

	failed := f.FormatMessages(
		extract.Records{extract.Generic{Message: "boom"}},
		extract.Records{extract.Generic{Message: "careful"}},
		nil,
	)
	assert.True(t, strings.HasPrefix(failed, HeadlineFailed))
	assert.Contains(t, failed, "boom")
	assert.NotContains(t, failed, "careful")
}

func TestFormatRecord_SyntaxErrorWithFrame(t *testing.T) {
	f := Plain()
	out := f.FormatRecord(
		extract.SyntaxError{File: "/app/a.ts", Message: "Unexpected \";\" (3:11)"},
		map[string]string{"/app/a.ts": source},
	)

	want := "/app/a.ts\n" +
		"Syntax error: Unexpected \";\" (3:11)\n\n" +
		"  1 | const a = 1\n" +
		"  2 | const b = 2\n" +
		"> 3 | const c = ;\n" +
		"    |           ^\n" +
		"  4 | const d = 4\n" +
		"  5 | const e = 5"
	assert.Equal(t, want, out)
}

func TestFormatRecord_ModuleNotFound(t *testing.T) {
	out := Plain().WithBase("/app").FormatRecord(
		extract.ModuleNotFound{Module: "left-pad", Files: []string{"/app/src/a.ts", "/elsewhere/b.ts"}},
		nil,
	)
	assert.Equal(t, "Module not found: Can't resolve 'left-pad' in:\n  src/a.ts\n  /elsewhere/b.ts", out)
}

func TestFormatRecord_Lint(t *testing.T) {
	out := Plain().FormatRecord(extract.LintErrors{Linters: []extract.LinterResult{{
		Linter: "eslint",
		Files: []extract.LintFile{{
			FilePath: "/app/a.ts",
			Messages: []extract.LintMessage{
				{Line: 1, Column: 7, Message: "'x' is unused", RuleID: "no-unused-vars", Severity: 2},
				{Line: 2, Column: 1, Message: "Prefer const", Severity: 1},
			},
		}},
	}}}, nil)

	assert.Equal(t, "Eslint\n/app/a.ts\n  1:7  Error  'x' is unused  no-unused-vars\n  2:1  Warning  Prefer const", out)
}

func TestFormatRecord_TypeScript(t *testing.T) {
	issue := typecheck.Issue{
		Severity:     typecheck.SeverityError,
		Code:         "TS2322",
		Message:      "Type 'string' is not assignable to type 'number'.",
		File:         "/app/a.ts",
		RelativeFile: "a.ts",
		Location:     &typecheck.Location{Start: typecheck.Position{Line: 1, Column: 7}},
	}
	out := Plain().FormatRecord(extract.TypeScript{Issue: issue}, map[string]string{"/app/a.ts": source})

	assert.True(t, strings.HasPrefix(out, "a.ts(1,7)\nTypeScript error TS2322: Type 'string'"))
	assert.Contains(t, out, "> 1 | const a = 1")
}

func TestFormatRecord_Generic(t *testing.T) {
	f := Plain()
	assert.Equal(t, "plain", f.FormatRecord(extract.Generic{Message: "plain"}, nil))
	assert.Equal(t, "/a.ts\nwith file", f.FormatRecord(extract.Generic{File: "/a.ts", Message: "with file"}, nil))
}

func TestCodeFrame_OutOfRange(t *testing.T) {
	f := Plain()
	assert.Empty(t, f.CodeFrame(source, 0, 1))
	assert.Empty(t, f.CodeFrame(source, 99, 1))
}

func TestFormatSummary(t *testing.T) {
	out := Plain().FormatSummary(&compiler.Result{
		Name:     "web",
		Hash:     "deadbeef",
		Duration: 1500 * time.Microsecond,
		Outputs: []compiler.Output{
			{Path: "/dist/index.js", Contents: make([]byte, 2048)},
			{Path: "/dist/index.js.map", Contents: make([]byte, 4096)},
		},
	})
	assert.Equal(t, "web deadbeef in 2ms (1 file, 2.0 kB)", out)
}
