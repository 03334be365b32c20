// Package trackerclient implements the peer-side connection to the
// signaling tracker (spec.md §4.9): one WebSocket, a read loop that
// dispatches TrackerServerMessage frames to a callback, and a Send method
// SwarmPeer uses to relay SDP/ICE frames out.
//
// Grounded on the teacher's internal/tracker.Tracker: a single long-lived
// connection supervised by an errgroup-managed goroutine
// (tracker.Tracker.Run/announceLoop), structured logging via log.With,
// and "connection lost is fatal to the owning task" per spec.md §7 rather
// than the teacher's tiered-announce retry/backoff (there is exactly one
// tracker here, not a multi-tier announce list, so there is nothing to
// fail over to). Transport is github.com/gorilla/websocket end-to-end,
// matching trackerd's server side.
package trackerclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rabbitshare/rabbitshare/internal/wire"
	"golang.org/x/sync/errgroup"
)

var ErrClosed = errors.New("trackerclient: connection closed")

// Opts configures a Client at construction. OnMessage is required; it is
// invoked on the read-loop goroutine for every decoded server frame.
// OnClose, if set, is invoked once when the read loop exits for any
// reason (peer-initiated Close or a transport error).
type Opts struct {
	Log       *slog.Logger
	OnMessage func(wire.TrackerServerMessage)
	OnClose   func(error)
}

// Client is one connection to the signaling tracker.
type Client struct {
	log *slog.Logger
	ws  *websocket.Conn

	onMessage func(wire.TrackerServerMessage)
	onClose   func(error)

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a connection to addr (e.g. "ws://localhost:9010") and starts
// the read loop on a background goroutine. Callers should arrange for
// Close to be called on shutdown; a dropped connection is reported once
// through opts.OnClose rather than retried, per spec.md §7 ("fatal: aborts
// the owning task").
func Dial(ctx context.Context, addr string, opts Opts) (*Client, error) {
	if opts.OnMessage == nil {
		return nil, errors.New("trackerclient: OnMessage hook missing")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("src", "trackerclient", "addr", addr)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		log:       log,
		ws:        ws,
		onMessage: opts.OnMessage,
		onClose:   opts.OnClose,
		closed:    make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// Send serializes msg and writes it as a single binary WebSocket frame.
func (c *Client) Send(msg wire.TrackerClientMessage) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Close shuts down the underlying connection. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.ws.Close()
	})
	return err
}

func (c *Client) readLoop() {
	var loopErr error
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			loopErr = err
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		var msg wire.TrackerServerMessage
		if err := msg.UnmarshalBinary(data); err != nil {
			c.log.Warn("dropping malformed tracker frame", "err", err)
			continue
		}
		c.onMessage(msg)
	}

	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
	if c.onClose != nil {
		c.onClose(loopErr)
	}
}

// Run blocks until ctx is cancelled or the connection drops, closing c in
// either case, so callers can supervise it alongside SwarmPeer's other
// background loops inside one errgroup.Group — matching the teacher's
// tracker.Run(ctx) lifetime shape.
func (c *Client) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return c.Close()
		case <-c.closed:
			return nil
		}
	})
	return g.Wait()
}
