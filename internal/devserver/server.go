// Package devserver wires the bundler, the status stream, the overlay and
// hot updates into one HTTP server.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/devloop/internal/compiler"
	"github.com/conneroisu/devloop/internal/config"
	deverrors "github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/eventstream"
	"github.com/conneroisu/devloop/internal/format"
	"github.com/conneroisu/devloop/internal/highlight"
	"github.com/conneroisu/devloop/internal/hmr"
	"github.com/conneroisu/devloop/internal/lint"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/overlay"
	"github.com/conneroisu/devloop/internal/stackframe"
	"github.com/conneroisu/devloop/internal/status"
	"github.com/conneroisu/devloop/internal/typecheck"
)

const shutdownTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	Config *config.Config
	// Dir is the project root. Defaults to the working directory.
	Dir    string
	Logger logging.Logger
	// Out receives build reports. Defaults to stdout.
	Out io.Writer
	// Compiler replaces the esbuild compiler built from Config.
	Compiler compiler.Compiler
	// Checker replaces the type checker built from Config. It is used only
	// when type checking is enabled.
	Checker *typecheck.Checker
	Clock   clock.Clock
	// OnListen is called with the bound address once the server accepts
	// connections.
	OnListen func(addr net.Addr)
}

// Server is the development server.
type Server struct {
	cfg      *config.Config
	dir      string
	logger   logging.Logger
	errs     *deverrors.ErrorHandler
	onListen func(net.Addr)

	compiler compiler.Compiler
	checker  *typecheck.Checker
	store    *status.Store
	endpoint *eventstream.Endpoint
	assets   *Assets
	hub      *hmr.Hub
	overlay  *overlay.Overlay
	doc      *overlay.HTMLDocument
	enhancer *stackframe.Enhancer
	reporter *reporter
	router   chi.Router

	errMu      sync.Mutex
	errorIDs   map[string]*overlay.ErrorInfo
	errorOrder []string

	closeOnce sync.Once
}

// New builds every component and wires their hooks. Nothing runs until
// Serve.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, deverrors.NewConfigError(deverrors.ErrCodeConfigInvalid, "a configuration is required")
	}
	dir := opts.Dir
	if dir == "" {
		dir = "."
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, deverrors.NewIOError(deverrors.ErrCodeFileRead, "resolving project directory", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	s := &Server{
		cfg:      cfg,
		dir:      dir,
		logger:   logger.WithComponent("devserver"),
		errs:     deverrors.NewErrorHandler(logger),
		onListen: opts.OnListen,
		errorIDs: make(map[string]*overlay.ErrorInfo),
	}

	async := cfg.TypeCheck.Enabled && cfg.TypeCheck.Async
	if cfg.TypeCheck.Enabled {
		s.checker = opts.Checker
		if s.checker == nil {
			s.checker, err = typecheck.NewChecker(typecheck.Options{
				Command: cfg.TypeCheck.Command,
				Args:    cfg.TypeCheck.Args,
				Dir:     dir,
				Logger:  logger,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	s.compiler = opts.Compiler
	if s.compiler == nil {
		var blocking compiler.SyncChecker
		if s.checker != nil && !async {
			blocking = s.checker
		}
		if s.compiler, err = NewCompiler(cfg, dir, blocking, false, logger); err != nil {
			return nil, err
		}
	}

	s.store = status.NewStore(status.Options{
		Name:           cfg.Build.Name,
		UsingTypeCheck: async,
		Logger:         logger,
	})
	s.endpoint = eventstream.New(s.store, eventstream.Options{
		Path:      cfg.EventStream.Path,
		Heartbeat: cfg.EventStream.Heartbeat,
		Clock:     opts.Clock,
		Logger:    logger,
	})

	s.assets = NewAssets(cfg.Build.PublicPath, filepath.Join(dir, cfg.Build.Outdir))
	// Assets first, so a page told about a build can already fetch it.
	s.compiler.OnDone(s.assets.Apply)
	if async {
		s.endpoint.Attach(s.compiler, s.checker)
	} else {
		s.endpoint.Attach(s.compiler, nil)
	}

	s.reporter = newReporter(out, format.New(out).WithBase(dir), s.store)
	s.compiler.OnInvalidate(s.reporter.invalidated)
	s.compiler.OnDone(s.reporter.done)
	if async {
		s.checker.OnIssues(s.reporter.typeChecked)
	}

	s.hub = hmr.NewHub(s.assets, hmr.HubOptions{OriginPatterns: cfg.HMR.Origins, Logger: logger})

	hl := highlight.New(highlight.Options{Style: cfg.Overlay.Style, Format: highlight.FormatHTML})
	s.doc = overlay.NewHTMLDocument()
	s.overlay = overlay.New(s.doc.Mount, hl, nil)
	s.store.Subscribe(status.ListenerFunc(func(payload []byte) error {
		msg, err := status.Decode(payload)
		if err != nil {
			// Returning the error would unsubscribe the overlay for good.
			s.errs.Handle(context.Background(), deverrors.NewInternalError(deverrors.ErrCodeInternalError, "decoding status for the overlay", err))
			return nil
		}
		s.overlay.ApplyStatus(msg)
		return nil
	}))

	s.enhancer = stackframe.NewEnhancer(stackframe.Options{
		Fetcher: stackframe.FetcherFunc(s.fetch),
		Resolve: s.resolveSource,
		Logger:  logger,
	})

	s.router = s.routes()
	return s, nil
}

// NewCompiler builds the esbuild compiler described by cfg. A non-nil
// checker folds type-check issues into every build.
func NewCompiler(cfg *config.Config, dir string, checker compiler.SyncChecker, write bool, logger logging.Logger) (*compiler.ESBuild, error) {
	opts := compiler.ESBuildOptions{
		Name:        cfg.Build.Name,
		Dir:         dir,
		EntryPoints: cfg.Build.EntryPoints,
		Outdir:      cfg.Build.Outdir,
		Mode:        cfg.Build.Mode,
		Sourcemap:   cfg.Build.Sourcemap,
		Write:       write,
		WatchPaths:  cfg.Build.Watch,
		Ignore:      cfg.Build.Ignore,
		Debounce:    cfg.Build.Debounce,
		TypeCheck:   checker,
		Logger:      logger,
	}
	if cfg.Lint.Enabled {
		linter, err := lint.New(lint.Options{
			Linter:  cfg.Lint.Linter,
			Command: cfg.Lint.Command,
			Args:    cfg.Lint.Args,
			Dir:     dir,
			Timeout: cfg.Lint.Timeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		opts.Plugins = append(opts.Plugins, linter.Plugin())
	}
	return compiler.NewESBuild(opts)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Overlay returns the server-hosted overlay.
func (s *Server) Overlay() *overlay.Overlay { return s.overlay }

// Store returns the status store.
func (s *Server) Store() *status.Store { return s.store }

// Serve listens on the configured address, runs the compiler in watch mode
// and blocks until ctx is cancelled or either fails.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return deverrors.NewConfigError(deverrors.ErrCodeConfigInvalid, fmt.Sprintf("cannot listen on %s: %v", s.cfg.Addr(), err))
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler: h2c.NewHandler(s.router, &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info(ctx, "Starting dev server", "addr", "http://"+ln.Addr().String(), "stream", s.endpoint.Path())
	if s.onListen != nil {
		s.onListen(ln.Addr())
	}

	eg.Go(func() error {
		return s.compiler.Watch(egctx)
	})

	eg.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		// Streams and sockets never finish on their own.
		_ = s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Debug(ctx, "Shutting down dev server")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// Close stops the stream endpoint, the hot update hub and the type checker.
// Safe to call twice.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = errors.Join(s.endpoint.Close(), s.hub.Close())
		if s.checker != nil {
			s.checker.Stop()
		}
	})
	return err
}

// fetch loads compiled files from memory and sources from the project.
func (s *Server) fetch(_ context.Context, location string) ([]byte, error) {
	p := location
	if i := strings.Index(location, "://"); i >= 0 {
		rest := location[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			p = rest[j:]
		} else {
			p = "/"
		}
	}
	if body, ok := s.assets.Get(p); ok {
		return body, nil
	}
	if filepath.IsAbs(p) && strings.HasPrefix(p, s.dir+string(filepath.Separator)) {
		return os.ReadFile(p)
	}
	return nil, fmt.Errorf("%s: %w", location, os.ErrNotExist)
}

// resolveSource maps a source map entry to a file in the project.
func (s *Server) resolveSource(source string) string {
	p := source
	if i := strings.Index(source, "://"); i >= 0 {
		rest := source[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			p = rest[j:]
		}
	}
	if strings.HasPrefix(p, s.dir+string(filepath.Separator)) {
		return p
	}
	return filepath.Join(s.dir, filepath.FromSlash(p))
}
