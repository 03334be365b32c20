package transport

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WSChannel is a DataChannel backed by a single gorilla/websocket
// connection, standing in for a browser RTCDataChannel since this module
// has no browser WebRTC stack to bind to (see this package's doc).
// Binary frames are delivered as-is; text frames are
// ignored.
//
// Two processes reach a WSChannel pair the way real WebRTC peers would
// reach an RTCDataChannel: one side calls Listen and accepts, the other
// calls Dial, with the listen address carried out-of-band as the SDP
// payload PeerLink already exchanges (see cmd/rabbitshare).
type WSChannel struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	open    bool
	closed  bool

	onMessage func([]byte)
	onOpen    func()
	onClose   func()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Listen starts an HTTP server on addr (use "127.0.0.1:0" for an
// OS-assigned port) that upgrades its single expected connection to a
// WebSocket and delivers the resulting WSChannel on the returned channel.
// It returns the actual bound address, since addr may request an
// ephemeral port. The returned channel holds one WSChannel; a connection
// that arrives while it is still full is closed. The server keeps running
// until closeFn is called, so a connection arriving after the first has
// been received is delivered too.
func Listen(addr string) (bound string, ch <-chan *WSChannel, closeFn func() error, err error) {
	out := make(chan *WSChannel, 1)
	mux := http.NewServeMux()
	srv := &http.Server{Handler: mux}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case out <- newWSChannel(conn):
		default:
			conn.Close()
		}
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, nil, err
	}
	go srv.Serve(ln)

	return ln.Addr().String(), out, srv.Close, nil
}

// Dial connects to a WSChannel previously started with Listen.
func Dial(ctx context.Context, url string) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newWSChannel(conn), nil
}

func newWSChannel(conn *websocket.Conn) *WSChannel {
	c := &WSChannel{conn: conn, open: true}
	go c.readLoop()
	return c
}

func (c *WSChannel) readLoop() {
	c.mu.Lock()
	cb := c.onOpen
	c.mu.Unlock()
	if cb != nil {
		cb()
	}

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.Close()
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		c.mu.Lock()
		onMsg := c.onMessage
		c.mu.Unlock()
		if onMsg != nil {
			onMsg(data)
		}
	}
}

func (c *WSChannel) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// BufferedAmount always reports 0: gorilla/websocket writes synchronously
// and has no queue depth to expose, unlike a real RTCDataChannel.
// SendBounded's backpressure gate is effectively disabled over this
// transport; see DESIGN.md for the tradeoff.
func (c *WSChannel) BufferedAmount() int { return 0 }

func (c *WSChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *WSChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	cb := c.onClose
	c.mu.Unlock()
	err := c.conn.Close()
	if cb != nil {
		cb()
	}
	return err
}

func (c *WSChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *WSChannel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	open := c.open
	c.mu.Unlock()
	if open && fn != nil {
		fn()
	}
}

func (c *WSChannel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}
