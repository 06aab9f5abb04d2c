// Package stackframe parses JavaScript stack traces and maps compiled
// locations back to original sources through source maps.
package stackframe

import (
	"regexp"
	"strconv"
	"strings"
)

// Location is a 1-based position in a file.
type Location struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// Source is the original position of a compiled location. External marks
// vendored or synthesized files that are not worth showing inline.
type Source struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	External bool   `json:"external"`
}

// Frame is one stack frame. Src stays nil until enhancement finds an
// original position, and may never be set.
type Frame struct {
	Fn       string   `json:"fn"`
	Compiled Location `json:"compiled"`
	Src      *Source  `json:"src,omitempty"`
}

var (
	// at fn (file:1:2), at new Fn (file:1:2), at async fn (file:1:2)
	v8Named = regexp.MustCompile(`^\s*at (?:new |async )?(.+?) \((.+):(\d+):(\d+)\)\s*$`)
	// at file:1:2
	v8Anonymous = regexp.MustCompile(`^\s*at (?:async )?(.+):(\d+):(\d+)\s*$`)
	// fn@file:1:2
	gecko = regexp.MustCompile(`^\s*(.*?)@(.+):(\d+):(\d+)\s*$`)
)

// Parse extracts frames from a V8 or Firefox/Safari stack string. Lines
// without a location are skipped.
func Parse(stack string) []Frame {
	var frames []Frame
	for _, line := range strings.Split(stack, "\n") {
		if frame, ok := parseLine(line); ok {
			frames = append(frames, frame)
		}
	}
	return frames
}

func parseLine(line string) (Frame, bool) {
	if m := v8Named.FindStringSubmatch(line); m != nil {
		if m[2] == "native" || strings.HasPrefix(m[2], "<anonymous>") {
			return Frame{}, false
		}
		return newFrame(m[1], m[2], m[3], m[4]), true
	}
	if m := v8Anonymous.FindStringSubmatch(line); m != nil {
		return newFrame("", m[1], m[2], m[3]), true
	}
	if m := gecko.FindStringSubmatch(line); m != nil {
		fn := m[1]
		// Firefox marks eval'd frames as fn@file line 1 > eval:1:2.
		if strings.Contains(m[2], " > eval") {
			return Frame{}, false
		}
		return newFrame(fn, m[2], m[3], m[4]), true
	}
	return Frame{}, false
}

func newFrame(fn, file, line, column string) Frame {
	l, _ := strconv.Atoi(line)
	c, _ := strconv.Atoi(column)
	if fn == "" {
		fn = "(anonymous function)"
	}
	return Frame{Fn: fn, Compiled: Location{File: file, Line: l, Column: c}}
}
