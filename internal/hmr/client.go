package hmr

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	deverrors "github.com/conneroisu/devloop/internal/errors"
	"github.com/conneroisu/devloop/internal/logging"
)

// Applier performs the page side of an update.
type Applier interface {
	SwapCSS(ctx context.Context, hash string, css []string) error
	Reload(ctx context.Context, hash string) error
}

// Client asks a Hub for updates over one lazily dialed socket.
type Client struct {
	url    string
	apply  Applier
	logger logging.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient creates a client for the hub at url (ws:// or wss://).
func NewClient(url string, apply Applier, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{url: url, apply: apply, logger: logger.WithComponent("hmr")}
}

// Check moves the page from the base build to the one identified by hash.
// A stale reply is not an error; a newer build notification will follow.
func (c *Client) Check(ctx context.Context, base, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	check := Message{Type: TypeCheck, Base: base, Hash: hash}
	reply, err := c.roundTrip(ctx, check)
	if err != nil {
		// One redial covers a hub restart.
		c.drop()
		if reply, err = c.roundTrip(ctx, check); err != nil {
			c.drop()
			return deverrors.NewTransportError(deverrors.ErrCodeSocket, "checking for hot update", err)
		}
	}

	switch reply.Type {
	case TypeUpdate:
		c.logger.Debug(ctx, "Applying hot update", "hash", reply.Hash, "css", len(reply.CSS))
		return c.apply.SwapCSS(ctx, reply.Hash, reply.CSS)
	case TypeReload:
		c.logger.Debug(ctx, "Scripts changed, reloading", "hash", reply.Hash)
		return c.apply.Reload(ctx, reply.Hash)
	case TypeStale:
		c.logger.Debug(ctx, "Hot update is stale", "hash", hash)
		return nil
	default:
		return fmt.Errorf("unexpected hot update reply %q", reply.Type)
	}
}

func (c *Client) roundTrip(ctx context.Context, check Message) (Message, error) {
	if c.conn == nil {
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			return Message{}, err
		}
		c.conn = conn
	}
	if err := wsjson.Write(ctx, c.conn, check); err != nil {
		return Message{}, err
	}
	var reply Message
	if err := wsjson.Read(ctx, c.conn, &reply); err != nil {
		return Message{}, err
	}
	return reply, nil
}

func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		c.conn = nil
	}
}

// Close closes the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop()
	return nil
}
