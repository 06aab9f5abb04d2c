// Package eventstream serves compilation status over Server-Sent Events.
package eventstream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/conneroisu/devloop/internal/compiler"
	deverrors "github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/status"
	"github.com/conneroisu/devloop/internal/typecheck"
)

// Defaults for Options.
const (
	DefaultPath      = "/__dev-server"
	DefaultHeartbeat = 10 * time.Second
)

// Heartbeat is the payload of keep-alive frames. It is not JSON.
const Heartbeat = "\U0001F493"

// queueSize bounds frames waiting for one slow connection before it is
// dropped.
const queueSize = 64

// Compiler is the part of the bundler the endpoint hooks into.
type Compiler interface {
	OnInvalidate(func())
	OnDone(func(*compiler.Result))
}

// TypeChecker is the optional async type-check side channel.
type TypeChecker interface {
	OnWaiting(func())
	OnIssues(func(issues []typecheck.Issue, hash string) []typecheck.Issue)
	Start(ctx context.Context, hash string)
}

// Options configures an Endpoint.
type Options struct {
	Path      string
	Heartbeat time.Duration
	Clock     clock.Clock
	Logger    logging.Logger
}

// Endpoint streams the status store to every connected browser.
type Endpoint struct {
	path   string
	store  *status.Store
	clock  clock.Clock
	logger logging.Logger
	errs   *deverrors.ErrorHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	conns  map[string]*conn

	ticker    *clock.Ticker
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an endpoint over store and starts its heartbeat.
func New(store *status.Store, opts Options) *Endpoint {
	path := opts.Path
	if path == "" {
		path = DefaultPath
	}
	interval := opts.Heartbeat
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithComponent("eventstream")

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		path:   path,
		store:  store,
		clock:  clk,
		logger: logger,
		errs:   deverrors.NewErrorHandler(logger),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*conn),
		ticker: clk.Ticker(interval),
	}

	e.wg.Add(1)
	go e.heartbeat()
	return e
}

// Path returns the URL path the endpoint answers on.
func (e *Endpoint) Path() string { return e.path }

// Attach wires compiler hooks, and the type checker when non-nil, into the
// status store. Hooks cannot be removed, so after Close they do nothing.
func (e *Endpoint) Attach(c Compiler, checker TypeChecker) {
	c.OnInvalidate(func() {
		if e.isClosed() {
			return
		}
		defer deverrors.Recover(e.ctx, e.errs, "invalidate hook")
		e.store.Invalidate()
	})

	c.OnDone(func(result *compiler.Result) {
		if e.isClosed() {
			return
		}
		defer deverrors.Recover(e.ctx, e.errs, "done hook")
		e.store.BuildDone(result)
		if checker != nil && result != nil {
			checker.Start(e.ctx, result.Hash)
		}
	})

	if checker == nil {
		return
	}

	checker.OnWaiting(func() {
		if e.isClosed() {
			return
		}
		defer deverrors.Recover(e.ctx, e.errs, "type check waiting hook")
		e.store.WaitingForTypeCheck()
	})

	checker.OnIssues(func(issues []typecheck.Issue, hash string) []typecheck.Issue {
		if e.isClosed() {
			return issues
		}
		defer deverrors.Recover(e.ctx, e.errs, "type check issues hook")
		if err := e.store.TypeCheckDone(issues, hash); err != nil {
			e.errs.Handle(e.ctx, err)
		}
		return issues
	})
}

// Middleware serves the stream on the endpoint path and passes every other
// request to next.
func (e *Endpoint) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != e.path {
			next.ServeHTTP(w, r)
			return
		}
		e.ServeHTTP(w, r)
	})
}

// ServeHTTP holds the response open as an event stream until the client
// goes away or the endpoint is closed.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		err := deverrors.NewTransportError(deverrors.ErrCodeStreamingFailed, "response writer cannot flush", nil)
		e.errs.Handle(r.Context(), err)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		out:  make(chan []byte, queueSize),
		quit: make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		http.Error(w, "endpoint closed", http.StatusServiceUnavailable)
		return
	}
	e.conns[c.id] = c
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("X-Accel-Buffering", "no")
	if r.ProtoMajor == 1 {
		h.Set("Connection", "keep-alive")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	unsubscribe := e.store.Subscribe(c)
	defer func() {
		unsubscribe()
		e.mu.Lock()
		delete(e.conns, c.id)
		e.mu.Unlock()
		c.end()
		e.logger.Debug(r.Context(), "Listener disconnected", "id", c.id)
	}()

	e.logger.Debug(r.Context(), "Listener connected", "id", c.id, "proto", r.Proto)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.quit:
			// Flush whatever was queued before the endpoint closed.
			for {
				select {
				case payload := <-c.out:
					if writeFrame(w, payload) != nil {
						return
					}
				default:
					flusher.Flush()
					return
				}
			}
		case payload := <-c.out:
			if err := writeFrame(w, payload); err != nil {
				e.errs.Handle(r.Context(), deverrors.NewTransportError(deverrors.ErrCodeStreamingFailed, "writing frame", err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, payload []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// Listeners returns the number of open connections.
func (e *Endpoint) Listeners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Close ends every open connection and stops the heartbeat. Later calls do
// nothing.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		for _, c := range e.conns {
			c.end()
		}
		e.mu.Unlock()

		e.cancel()
		e.ticker.Stop()
		e.wg.Wait()
		e.logger.Debug(context.Background(), "Event stream closed")
	})
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Endpoint) heartbeat() {
	defer e.wg.Done()
	beat := []byte(Heartbeat)
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.ticker.C:
			e.mu.Lock()
			for _, c := range e.conns {
				if err := c.Send(beat); err != nil {
					e.logger.Debug(e.ctx, "Heartbeat dropped", "id", c.id)
				}
			}
			e.mu.Unlock()
		}
	}
}

// conn is one open stream. Frames are queued and written by the handler
// goroutine so writes never interleave.
type conn struct {
	id      string
	out     chan []byte
	quit    chan struct{}
	endOnce sync.Once
}

// Send queues payload without blocking. A full queue ends the connection.
func (c *conn) Send(payload []byte) error {
	select {
	case <-c.quit:
		return deverrors.ErrClosed
	default:
	}
	select {
	case c.out <- payload:
		return nil
	default:
		c.end()
		return deverrors.NewTransportError(deverrors.ErrCodeStreamingFailed, "listener too slow", nil)
	}
}

func (c *conn) end() {
	c.endOnce.Do(func() { close(c.quit) })
}
