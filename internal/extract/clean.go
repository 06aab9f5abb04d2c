package extract

import (
	"regexp"
	"strings"
)

// rewriteRule is one find/replace pass over an uncategorised message.
type rewriteRule struct {
	name    string
	regex   *regexp.Regexp
	replace string
	apply   func(string) string
}

func (r rewriteRule) run(msg string) string {
	if r.apply != nil {
		return r.apply(msg)
	}
	return r.regex.ReplaceAllString(msg, r.replace)
}

var (
	stackLine     = regexp.MustCompile(`^\s*at\s.*(:\d+:\d+\)?|<anonymous>\)?|\(native\))\s*$`)
	mappedSources = []string{"webpack:", "webpack-internal:"}
)

// stripInternalFrames drops stack frame lines unless they point into
// source-mapped modules.
func stripInternalFrames(msg string) string {
	lines := strings.Split(msg, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if stackLine.MatchString(line) && !containsAny(line, mappedSources) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// cleanupRules run in order; later rules assume the earlier ones ran.
var cleanupRules = []rewriteRule{
	{
		name:  "strip internal stack frames",
		apply: stripInternalFrames,
	},
	{
		name:    "blank whitespace-only lines",
		regex:   regexp.MustCompile(`(?m)^[ \t]+$`),
		replace: "",
	},
	{
		name:    "collapse duplicate blank lines",
		regex:   regexp.MustCompile(`\n{3,}`),
		replace: "\n\n",
	},
	{
		name:    "esbuild missing export",
		regex:   regexp.MustCompile(`No matching export in "([^"]+)" for import "([^"]+)"`),
		replace: "Attempted import error: '$2' is not exported from '$1'.",
	},
	{
		name:    "missing default export",
		regex:   regexp.MustCompile(`(?m)^.*export 'default' \(imported as '(.+?)'\) was not found in '(.+?)'.*$`),
		replace: "Attempted import error: '$2' does not contain a default export (imported as '$1').",
	},
	{
		name:    "missing named export with alias",
		regex:   regexp.MustCompile(`(?m)^.*export '(.+?)' \(imported as '(.+?)'\) was not found in '(.+?)'.*$`),
		replace: "Attempted import error: '$1' is not exported from '$3' (imported as '$2').",
	},
	{
		name:    "missing named export",
		regex:   regexp.MustCompile(`(?m)^.*export '(.+?)' was not found in '(.+?)'.*$`),
		replace: "Attempted import error: '$1' is not exported from '$2'.",
	},
	{
		name:    "trailing location suffix",
		regex:   regexp.MustCompile(`(?m)[ \t]*\(\d+:\d+\)[ \t]*$`),
		replace: "",
	},
}

// Clean normalises an uncategorised message by running every cleanup rule
// in sequence.
func Clean(msg string) string {
	for _, rule := range cleanupRules {
		msg = rule.run(msg)
	}
	return strings.TrimSpace(msg)
}
