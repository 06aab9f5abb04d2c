// Package hmr applies new builds to running pages. A page asks the hub for
// the build it was told about, naming the build it currently runs; the hub
// answers with the stylesheets to swap or asks for a full reload when
// scripts changed in between.
package hmr

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	deverrors "github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
)

// Message types.
const (
	TypeCheck  = "check"
	TypeUpdate = "update"
	TypeReload = "reload"
	TypeStale  = "stale"
)

const writeTimeout = 5 * time.Second

// Message is the wire format in both directions. Base is only set on
// checks: the build the page last applied.
type Message struct {
	Type string   `json:"type"`
	Base string   `json:"base,omitempty"`
	Hash string   `json:"hash,omitempty"`
	CSS  []string `json:"css,omitempty"`
	JS   []string `json:"js,omitempty"`
}

// Update lists the assets that changed between two builds, as URL paths.
// Unknown is set when the base build is no longer remembered.
type Update struct {
	Hash    string
	CSS     []string
	JS      []string
	Unknown bool
}

// Source knows the current build. Update diffs hash against base and
// returns false when hash is not the current build.
type Source interface {
	Update(base, hash string) (Update, bool)
}

// Reply decides the answer to a check moving a page from base to hash.
func Reply(src Source, base, hash string) Message {
	u, ok := src.Update(base, hash)
	switch {
	case !ok:
		return Message{Type: TypeStale, Hash: hash}
	case u.Unknown:
		return Message{Type: TypeReload, Hash: u.Hash}
	case len(u.JS) > 0:
		return Message{Type: TypeReload, Hash: u.Hash, JS: u.JS}
	default:
		return Message{Type: TypeUpdate, Hash: u.Hash, CSS: u.CSS}
	}
}

// HubOptions configures a Hub.
type HubOptions struct {
	// OriginPatterns are host patterns allowed to connect cross-origin.
	OriginPatterns []string
	Logger         logging.Logger
}

// Hub serves the hot update socket.
type Hub struct {
	src     Source
	origins []string
	logger  logging.Logger
	errs    *deverrors.ErrorHandler

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a hub answering from src.
func NewHub(src Source, opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithComponent("hmr")
	origins := opts.OriginPatterns
	if len(origins) == 0 {
		origins = []string{"localhost:*", "127.0.0.1:*"}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		src:     src,
		origins: origins,
		logger:  logger,
		errs:    deverrors.NewErrorHandler(logger),
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.origins,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "Hot update upgrade failed", "remote", r.RemoteAddr)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug(r.Context(), "Hot update client connected", "remote", r.RemoteAddr, "clients", h.Clients())

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		var msg Message
		if err := wsjson.Read(h.ctx, conn, &msg); err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				h.logger.Debug(r.Context(), "Hot update client dropped", "error", err.Error())
			}
			return
		}
		if msg.Type != TypeCheck {
			h.logger.Debug(r.Context(), "Ignoring hot update message", "type", msg.Type)
			continue
		}

		reply := Reply(h.src, msg.Base, msg.Hash)
		ctx, cancel := context.WithTimeout(h.ctx, writeTimeout)
		err := wsjson.Write(ctx, conn, reply)
		cancel()
		if err != nil {
			h.errs.Handle(r.Context(), deverrors.NewTransportError(deverrors.ErrCodeSocket, "writing hot update reply", err))
			return
		}
	}
}

// Clients returns the number of connected pages.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every page and refuses new ones. Safe to call twice.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	// Cancelling the read context tears down every socket.
	h.cancel()
	h.wg.Wait()
	return nil
}
