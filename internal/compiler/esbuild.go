package compiler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/evanw/esbuild/pkg/api"

	deverrors "github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/typecheck"
	"github.com/conneroisu/devloop/internal/watcher"
)

// Build modes.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// DefaultExtensions are the source extensions whose changes trigger a rebuild.
var DefaultExtensions = []string{".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx", ".css", ".json"}

// SyncChecker runs a blocking type-check pass. Its issues are folded into
// the compile result.
type SyncChecker interface {
	Check(ctx context.Context) ([]typecheck.Issue, error)
}

// ESBuildOptions configures the esbuild-backed compiler.
type ESBuildOptions struct {
	Name        string
	Dir         string
	EntryPoints []string
	Outdir      string
	Mode        string
	Sourcemap   bool
	Write       bool
	Plugins     []api.Plugin
	WatchPaths  []string
	Ignore      []string
	Extensions  []string
	Debounce    time.Duration
	TypeCheck   SyncChecker
	Logger      logging.Logger
}

// ESBuild implements Compiler with esbuild's incremental build context and
// an fsnotify watcher.
type ESBuild struct {
	Hooks

	opts   ESBuildOptions
	dir    string
	logger logging.Logger

	mu       sync.Mutex
	buildCtx api.BuildContext
	fw       *watcher.FileWatcher
	closed   bool
}

var _ Compiler = (*ESBuild)(nil)

// NewESBuild validates options and creates the compiler. Errors returned here
// are configuration errors.
func NewESBuild(opts ESBuildOptions) (*ESBuild, error) {
	if len(opts.EntryPoints) == 0 {
		return nil, deverrors.NewConfigError(deverrors.ErrCodeConfigInvalid, "at least one entry point is required")
	}
	if opts.Outdir == "" {
		return nil, deverrors.NewConfigError(deverrors.ErrCodeConfigInvalid, "an output directory is required")
	}
	switch opts.Mode {
	case "":
		opts.Mode = ModeDevelopment
	case ModeDevelopment, ModeProduction:
	default:
		return nil, deverrors.NewConfigError(deverrors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown build mode %q (want %q or %q)", opts.Mode, ModeDevelopment, ModeProduction))
	}

	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, deverrors.NewIOError(deverrors.ErrCodeFileRead, "resolving working directory", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions
	}
	if len(opts.WatchPaths) == 0 {
		opts.WatchPaths = []string{abs}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &ESBuild{
		opts:   opts,
		dir:    abs,
		logger: logger.WithComponent("compiler"),
	}, nil
}

// Dir returns the absolute working directory.
func (e *ESBuild) Dir() string { return e.dir }

func (e *ESBuild) buildOptions(write bool) api.BuildOptions {
	opts := api.BuildOptions{
		EntryPoints:   e.opts.EntryPoints,
		Bundle:        true,
		Write:         write,
		Outdir:        e.opts.Outdir,
		AbsWorkingDir: e.dir,
		Platform:      api.PlatformBrowser,
		Format:        api.FormatIIFE,
		Target:        api.ES2020,
		Loader: map[string]api.Loader{
			".svg": api.LoaderFile,
			".png": api.LoaderFile,
		},
		Define: map[string]string{
			"process.env.NODE_ENV": fmt.Sprintf("%q", e.opts.Mode),
		},
		Plugins:  e.opts.Plugins,
		LogLevel: api.LogLevelSilent,
	}

	if e.opts.Sourcemap {
		opts.Sourcemap = api.SourceMapLinked
	}
	if e.opts.Mode == ModeProduction {
		opts.MinifyWhitespace = true
		opts.MinifyIdentifiers = true
		opts.MinifySyntax = true
		opts.TreeShaking = api.TreeShakingTrue
	}

	return opts
}

// RunOnce performs a single build and writes outputs to disk when Write is
// set. Compile problems are reported in the result, not as an error.
func (e *ESBuild) RunOnce(ctx context.Context) (*Result, error) {
	perf := logging.StartOperation(e.logger, "build")
	start := time.Now()
	res := api.Build(e.buildOptions(e.opts.Write))
	result := e.convert(ctx, res, time.Since(start))
	if err := result.Err(); err != nil {
		perf.EndWithError(ctx, err)
	} else {
		perf.End(ctx)
	}

	e.FireDone(result)
	return result, nil
}

// Watch performs an initial build, then rebuilds whenever a watched source
// changes, firing invalidate before and done after every rebuild. It blocks
// until ctx is cancelled.
func (e *ESBuild) Watch(ctx context.Context) error {
	buildCtx, ctxErr := api.Context(e.buildOptions(false))
	if ctxErr != nil {
		msgs := make([]string, 0, len(ctxErr.Errors))
		for _, m := range ctxErr.Errors {
			msgs = append(msgs, m.Text)
		}
		return deverrors.NewConfigError(deverrors.ErrCodeConfigInvalid,
			"invalid bundler configuration: "+strings.Join(msgs, "; "))
	}

	fw, err := watcher.NewFileWatcher(e.opts.Debounce, e.logger)
	if err != nil {
		buildCtx.Dispose()
		return err
	}
	fw.AddFilter(watcher.ExtensionFilter(e.opts.Extensions...))
	fw.AddFilter(watcher.NoEditorTempFilter)
	if len(e.opts.Ignore) > 0 {
		fw.AddFilter(watcher.IgnoreFilter(e.opts.Ignore...))
		for _, name := range e.opts.Ignore {
			if !strings.ContainsAny(name, "*?[") {
				fw.SkipDir(name)
			}
		}
	}
	if outdir, err := filepath.Abs(filepath.Join(e.dir, e.opts.Outdir)); err == nil {
		fw.SkipDir(filepath.Base(outdir))
	}
	for _, path := range e.opts.WatchPaths {
		if !filepath.IsAbs(path) {
			path = filepath.Join(e.dir, path)
		}
		if err := e.watchPath(fw, path); err != nil {
			e.logger.Warn(ctx, err, "Failed to watch path", "path", path)
		}
	}

	e.mu.Lock()
	e.buildCtx = buildCtx
	e.fw = fw
	e.mu.Unlock()

	fw.AddHandler(func(events []watcher.ChangeEvent) error {
		e.logger.Debug(ctx, "Sources changed", "files", len(events), "first", events[0].Path)
		e.rebuild(ctx, true)
		return nil
	})

	e.rebuild(ctx, false)

	if err := fw.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	return e.Close()
}

// watchPath watches a directory tree, or a single file such as tsconfig.json.
func (e *ESBuild) watchPath(fw *watcher.FileWatcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fw.AddRecursive(path)
	}
	return fw.AddPath(path)
}

// rebuild serialises invalidate → rebuild → done so hooks never interleave.
func (e *ESBuild) rebuild(ctx context.Context, invalidate bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed || e.buildCtx == nil {
		return
	}
	if invalidate {
		e.FireInvalidate()
	}

	start := time.Now()
	res := e.buildCtx.Rebuild()
	result := e.convert(ctx, res, time.Since(start))

	e.logger.Info(ctx, "Build finished",
		"hash", result.Hash,
		"errors", len(result.Errors),
		"warnings", len(result.Warnings),
		"duration_ms", result.Duration.Milliseconds())

	e.FireDone(result)
}

// Close disposes the build context and stops watching. Safe to call twice.
func (e *ESBuild) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var err error
	if e.fw != nil {
		err = e.fw.Stop()
	}
	if e.buildCtx != nil {
		e.buildCtx.Dispose()
	}
	return err
}

func (e *ESBuild) convert(ctx context.Context, res api.BuildResult, d time.Duration) *Result {
	result := &Result{
		Name:     e.opts.Name,
		Duration: d,
	}

	for _, m := range res.Errors {
		result.Errors = append(result.Errors, e.problem(m, false))
	}
	for _, m := range res.Warnings {
		result.Warnings = append(result.Warnings, e.problem(m, true))
	}
	for _, f := range res.OutputFiles {
		result.Outputs = append(result.Outputs, Output{
			Path:     f.Path,
			Contents: f.Contents,
			Hash:     ContentHash(f.Contents),
		})
	}

	if e.opts.TypeCheck != nil {
		issues, err := e.opts.TypeCheck.Check(ctx)
		if err != nil {
			e.logger.Error(ctx, err, "Type check failed")
		}
		for i := range issues {
			p := Problem{
				Name:    NameTypeCheckError,
				Message: issues[i].Message,
				File:    issues[i].File,
				Issue:   &issues[i],
			}
			if issues[i].Severity == typecheck.SeverityWarning {
				result.Warnings = append(result.Warnings, p)
			} else {
				result.Errors = append(result.Errors, p)
			}
		}
	}

	result.Hash = ComputeHash(result.Outputs, result.Errors, result.Warnings)
	return result
}

var (
	couldNotResolve = regexp.MustCompile(`^Could not resolve "([^"]+)"`)
	syntaxMessage   = regexp.MustCompile(`^(Expected |Unexpected |Unterminated |Invalid |Syntax error|The character .* is not valid|Unsupported syntax|Legal octal escape)`)
)

func (e *ESBuild) problem(m api.Message, warning bool) Problem {
	p := Problem{
		Message: m.Text,
		Plugin:  m.PluginName,
	}
	if m.Location != nil {
		p.File = e.absPath(m.Location.File)
		p.Line = m.Location.Line
		p.Column = m.Location.Column + 1
		p.LineText = m.Location.LineText
	}

	switch {
	case m.PluginName != "":
		p.Name = NameModuleBuildError
	case couldNotResolve.MatchString(m.Text):
		p.Name = NameModuleNotFoundError
		p.Module = couldNotResolve.FindStringSubmatch(m.Text)[1]
	case syntaxMessage.MatchString(m.Text):
		p.Name = NameSyntaxError
	case warning:
		p.Name = NameModuleWarning
	}

	// Plugin messages may carry structured payloads; leave them untouched.
	if m.PluginName == "" {
		for _, note := range m.Notes {
			if note.Text != "" {
				p.Message += "\n" + note.Text
			}
		}
	}

	return p
}

func (e *ESBuild) absPath(file string) string {
	if file == "" || filepath.IsAbs(file) {
		return file
	}
	// Namespaced virtual modules ("ns:path") are left as reported.
	if i := strings.Index(file, ":"); i > 1 {
		return file
	}
	return filepath.Join(e.dir, file)
}
