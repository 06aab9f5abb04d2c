package stackframe

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-sourcemap/sourcemap"
	"golang.org/x/sync/errgroup"

	deverrors "github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/highlight"
	"github.com/conneroisu/devloop/internal/logging"
)

// Fetcher loads a compiled file, source map or source by location.
type Fetcher interface {
	Fetch(ctx context.Context, location string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, location string) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, location string) ([]byte, error) {
	return f(ctx, location)
}

// Options configures an Enhancer.
type Options struct {
	Fetcher Fetcher
	// Resolve turns a source reported by a map into the path stored in the
	// frame. Defaults to the URL path.
	Resolve func(source string) string
	// Concurrency caps parallel file fetches. Defaults to 4.
	Concurrency int
	Logger      logging.Logger
}

// Enhancer maps compiled frames to original sources.
type Enhancer struct {
	fetch   Fetcher
	resolve func(string) string
	limit   int
	logger  logging.Logger
	errs    *deverrors.ErrorHandler
}

// NewEnhancer creates an enhancer.
func NewEnhancer(opts Options) *Enhancer {
	resolve := opts.Resolve
	if resolve == nil {
		resolve = urlPath
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithComponent("stackframe")

	return &Enhancer{
		fetch:   opts.Fetcher,
		resolve: resolve,
		limit:   limit,
		logger:  logger,
		errs:    deverrors.NewErrorHandler(logger),
	}
}

// Enhance returns a copy of frames with Src filled in wherever a source map
// resolves the compiled location. Failures affect only the frames of the
// file that failed. Original sources of non-external frames are added to hl
// when it is non-nil.
func (e *Enhancer) Enhance(ctx context.Context, frames []Frame, hl *highlight.Highlighter) []Frame {
	out := make([]Frame, len(frames))
	copy(out, frames)
	if e.fetch == nil {
		return out
	}

	byFile := make(map[string][]int)
	var order []string
	for i, f := range out {
		if !fetchable(f.Compiled.File) {
			continue
		}
		if _, ok := byFile[f.Compiled.File]; !ok {
			order = append(order, f.Compiled.File)
		}
		byFile[f.Compiled.File] = append(byFile[f.Compiled.File], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for _, file := range order {
		file := file
		indexes := byFile[file]
		g.Go(func() error {
			if err := e.enhanceFile(gctx, file, indexes, out); err != nil {
				e.errs.Handle(gctx, deverrors.NewEnhancementError(deverrors.ErrCodeSourceMap, "mapping "+file, err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if hl != nil {
		e.register(ctx, out, hl)
	}
	return out
}

// register loads original sources for the highlighter.
func (e *Enhancer) register(ctx context.Context, frames []Frame, hl *highlight.Highlighter) {
	seen := make(map[string]bool)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limit)
	for _, f := range frames {
		if f.Src == nil || f.Src.External || seen[f.Src.File] || hl.Has(f.Src.File) {
			continue
		}
		seen[f.Src.File] = true
		file := f.Src.File
		g.Go(func() error {
			body, err := e.fetch.Fetch(gctx, file)
			if err != nil {
				e.logger.Debug(gctx, "Original source unavailable", "file", file, "error", err.Error())
				return nil
			}
			hl.Add(file, string(body))
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Enhancer) enhanceFile(ctx context.Context, file string, indexes []int, out []Frame) error {
	body, err := e.fetch.Fetch(ctx, file)
	if err != nil {
		return err
	}
	mapLocation, data, err := e.loadMap(ctx, file, string(body))
	if err != nil {
		return err
	}

	return withConsumer(mapBase(mapLocation), data, func(c *sourcemap.Consumer) {
		for _, i := range indexes {
			compiled := out[i].Compiled
			column := compiled.Column - 1
			if column < 0 {
				column = 0
			}
			source, _, line, col, ok := c.Source(compiled.Line, column)
			if !ok || source == "" {
				continue
			}
			if !isAbsolute(source) {
				source = resolveRef(mapLocation, source)
			}
			path := e.resolve(source)
			out[i].Src = &Source{
				File:     path,
				Line:     line,
				Column:   col + 1,
				External: isExternal(path),
			}
		}
	})
}

// withConsumer parses a map and hands the consumer to fn. The consumer
// never outlives the call.
func withConsumer(mapURL string, data []byte, fn func(*sourcemap.Consumer)) error {
	consumer, err := sourcemap.Parse(mapURL, data)
	if err != nil {
		return fmt.Errorf("parsing source map: %w", err)
	}
	fn(consumer)
	return nil
}

var mappingURL = regexp.MustCompile(`(?m)(?://[#@]|/\*[#@])\s*sourceMappingURL=([^\s'"*]+)\s*(?:\*/)?\s*$`)

// loadMap finds the last source map directive in body and returns the
// map's location with its contents. Inline maps are located at file.
func (e *Enhancer) loadMap(ctx context.Context, file, body string) (string, []byte, error) {
	matches := mappingURL.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return "", nil, fmt.Errorf("no sourceMappingURL in %s", file)
	}
	ref := matches[len(matches)-1][1]

	if strings.HasPrefix(ref, "data:") {
		comma := strings.IndexByte(ref, ',')
		if comma < 0 || !strings.Contains(ref[:comma], ";base64") {
			return "", nil, fmt.Errorf("unsupported inline source map in %s", file)
		}
		data, err := base64.StdEncoding.DecodeString(ref[comma+1:])
		if err != nil {
			return "", nil, fmt.Errorf("decoding inline source map: %w", err)
		}
		return file, data, nil
	}

	location := resolveRef(file, ref)
	data, err := e.fetch.Fetch(ctx, location)
	if err != nil {
		return "", nil, err
	}
	return location, data, nil
}

// mapBase returns the URL the map's sources resolve against, or "" for
// plain paths, which the library leaves relative.
func mapBase(location string) string {
	u, err := url.Parse(location)
	if err != nil || !u.IsAbs() {
		return ""
	}
	return location
}

func resolveRef(file, ref string) string {
	base, err := url.Parse(file)
	if err != nil {
		return ref
	}
	target, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(target).String()
}

func fetchable(file string) bool {
	if file == "" {
		return false
	}
	u, err := url.Parse(file)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "http", "https":
		return true
	case "":
		return strings.HasPrefix(file, "/")
	default:
		return false
	}
}

func isAbsolute(source string) bool {
	if strings.HasPrefix(source, "/") {
		return true
	}
	u, err := url.Parse(source)
	return err == nil && u.IsAbs()
}

func urlPath(source string) string {
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" {
		return source
	}
	return u.Path
}

// isExternal reports paths inside a package manager directory or with
// whitespace, which bundlers use for synthesized modules.
func isExternal(path string) bool {
	return strings.Contains(path, "node_modules") || strings.ContainsAny(path, " \t")
}
