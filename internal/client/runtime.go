// Package client consumes the status event stream: it keeps the connection
// alive with a dead-man switch, forwards every status to the overlay and
// triggers hot updates after clean builds.
package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	deverrors "github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/eventstream"
	"github.com/conneroisu/devloop/internal/logging"
	"github.com/conneroisu/devloop/internal/status"
)

// DefaultTimeout is how long the stream may stay silent before it is
// presumed dead.
const DefaultTimeout = 20 * time.Second

// Sink receives every decoded status.
type Sink interface {
	ApplyStatus(msg status.Message)
}

// HotUpdater moves the running page from the base build to the one
// identified by hash.
type HotUpdater interface {
	Check(ctx context.Context, base, hash string) error
}

// Options configures a Runtime.
type Options struct {
	// Server is the dev server origin, e.g. http://localhost:3000.
	Server     string
	Path       string
	Timeout    time.Duration
	Clock      clock.Clock
	HTTPClient *http.Client
	Logger     logging.Logger
}

// WithQuery returns o with Path and Timeout taken from the path and timeout
// (milliseconds) query parameters the browser entry point accepts. Missing
// parameters keep the values already in o.
func (o Options) WithQuery(query string) (Options, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return o, err
	}
	if p := values.Get("path"); p != "" {
		o.Path = p
	}
	if t := values.Get("timeout"); t != "" {
		ms, err := strconv.Atoi(t)
		if err != nil || ms <= 0 {
			return o, fmt.Errorf("invalid timeout %q", t)
		}
		o.Timeout = time.Duration(ms) * time.Millisecond
	}
	return o, nil
}

// Runtime is the event-stream consumer.
type Runtime struct {
	url     string
	timeout time.Duration
	clock   clock.Clock
	http    *http.Client
	logger  logging.Logger
	sink    Sink
	hot     HotUpdater

	mu           sync.Mutex
	lastActivity time.Time
	unloading    bool
	appliedHash  string
	connects     int
}

// New creates a runtime. hot may be nil.
func New(opts Options, sink Sink, hot HotUpdater) *Runtime {
	path := opts.Path
	if path == "" {
		path = eventstream.DefaultPath
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Runtime{
		url:     strings.TrimRight(opts.Server, "/") + path,
		timeout: timeout,
		clock:   clk,
		http:    httpClient,
		logger:  logger.WithComponent("client"),
		sink:    sink,
		hot:     hot,
	}
}

// SetUnloading suppresses hot updates while the page is going away.
func (r *Runtime) SetUnloading(unloading bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unloading = unloading
}

// LastActivity is the time of the last frame received, heartbeats included.
func (r *Runtime) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Connects returns how many times the stream has been opened.
func (r *Runtime) Connects() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects
}

// Run connects and keeps reconnecting until ctx is cancelled. A stream that
// stays silent longer than the timeout, or fails, is closed and reopened
// after the timeout.
func (r *Runtime) Run(ctx context.Context) error {
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			r.logger.Debug(ctx, "Event stream lost", "error", err.Error())
		}

		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(r.timeout):
		}
	}
}

// session runs one connection until it fails or the watchdog fires.
func (r *Runtime) session(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, r.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.http.Do(req)
	if err != nil {
		return deverrors.NewTransportError(deverrors.ErrCodeStreamingFailed, "connecting to "+r.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return deverrors.NewTransportError(deverrors.ErrCodeStreamingFailed,
			fmt.Sprintf("unexpected status %d from %s", resp.StatusCode, r.url), nil)
	}

	r.mu.Lock()
	r.lastActivity = r.clock.Now()
	r.connects++
	r.mu.Unlock()
	r.logger.Info(ctx, "Connected to dev server", "url", r.url)

	readErr := make(chan error, 1)
	go func() { readErr <- r.read(ctx, resp.Body) }()

	ticker := r.clock.Ticker(r.timeout / 2)
	defer ticker.Stop()

	for {
		select {
		case err := <-readErr:
			if err == nil {
				err = io.EOF
			}
			return err
		case <-ticker.C:
			if r.clock.Since(r.LastActivity()) > r.timeout {
				r.logger.Warn(ctx, nil, "Event stream silent, reconnecting", "timeout", r.timeout.String())
				cancel()
				<-readErr
				return deverrors.NewTransportError(deverrors.ErrCodeStreamingFailed, "heartbeat timeout", nil)
			}
		}
	}
}

// read splits the body into frames.
func (r *Runtime) read(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				r.ProcessFrame(ctx, strings.Join(data, "\n"))
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	return scanner.Err()
}

// ProcessFrame handles one frame payload. Heartbeats only refresh the
// activity time.
func (r *Runtime) ProcessFrame(ctx context.Context, data string) {
	r.mu.Lock()
	r.lastActivity = r.clock.Now()
	r.mu.Unlock()

	if data == eventstream.Heartbeat {
		return
	}
	r.processMessage(ctx, data)
}

func (r *Runtime) processMessage(ctx context.Context, data string) {
	msg, err := status.Decode([]byte(data))
	if err != nil {
		r.logger.Warn(ctx, err, "Invalid event stream payload")
		return
	}

	switch msg.Action {
	case status.ActionInvalid, status.ActionTypeScript:
		r.sink.ApplyStatus(msg)
	case status.ActionDone, status.ActionSync:
		r.sink.ApplyStatus(msg)
		r.maybeHotUpdate(ctx, msg)
	default:
		r.logger.Warn(ctx, nil, "Unknown event stream action", "action", msg.Action)
	}
}

func (r *Runtime) maybeHotUpdate(ctx context.Context, msg status.Message) {
	if r.hot == nil || msg.Hash == nil {
		return
	}

	r.mu.Lock()
	// The first sync describes the build the page was loaded with, even a
	// broken one.
	if msg.Action == status.ActionSync && r.appliedHash == "" {
		r.appliedHash = *msg.Hash
		r.mu.Unlock()
		return
	}
	skip := r.unloading || len(msg.Errors) > 0 || msg.Compiling ||
		(msg.TSC != nil && len(msg.TSC.Errors) > 0) || r.appliedHash == *msg.Hash
	if skip {
		r.mu.Unlock()
		return
	}
	base := r.appliedHash
	r.appliedHash = *msg.Hash
	r.mu.Unlock()

	if err := r.hot.Check(ctx, base, *msg.Hash); err != nil {
		r.logger.Warn(ctx, err, "Hot update failed", "hash", *msg.Hash)
	}
}
