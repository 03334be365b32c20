package transport

import (
	"errors"
	"sync"
)

var ErrChannelClosed = errors.New("transport: channel closed")

// LossModel decides, per outbound message, whether it should be dropped.
// Tests that want deterministic behavior supply a stub; production code
// does not use this type (cmd/rabbitshare's peer transport is WSChannel).
type LossModel interface {
	ShouldDrop() bool
}

// NoLoss never drops a message.
type NoLoss struct{}

func (NoLoss) ShouldDrop() bool { return false }

// MemoryChannel is an in-memory, in-process DataChannel used by tests to
// exercise PeerLink and SenderLoop without a real WebRTC stack. Two
// MemoryChannels created by NewMemoryPair deliver to each other directly,
// optionally dropping messages per a LossModel.
type MemoryChannel struct {
	mu        sync.Mutex
	peer      *MemoryChannel
	loss      LossModel
	open      bool
	closed    bool
	buffered  int
	onMessage func([]byte)
	onOpen    func()
	onClose   func()
}

// NewMemoryPair returns two channels wired to each other, already open.
func NewMemoryPair(loss LossModel) (a, b *MemoryChannel) {
	if loss == nil {
		loss = NoLoss{}
	}
	a = &MemoryChannel{loss: loss, open: true}
	b = &MemoryChannel{loss: loss, open: true}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *MemoryChannel) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	drop := c.loss.ShouldDrop()
	c.buffered += len(data)
	peer := c.peer
	c.mu.Unlock()

	// BufferedAmount reflects our own send queue, drained immediately
	// since delivery here is synchronous; a real DataChannel drains it
	// as the network accepts bytes.
	c.mu.Lock()
	c.buffered -= len(data)
	c.mu.Unlock()

	if drop || peer == nil {
		return nil
	}

	peer.mu.Lock()
	cb := peer.onMessage
	open := peer.open
	peer.mu.Unlock()
	if open && cb != nil {
		cb(append([]byte(nil), data...))
	}
	return nil
}

func (c *MemoryChannel) BufferedAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *MemoryChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.open = false
	cb := c.onClose
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (c *MemoryChannel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *MemoryChannel) OnOpen(fn func()) {
	c.mu.Lock()
	open := c.open
	c.onOpen = fn
	c.mu.Unlock()
	if open && fn != nil {
		fn()
	}
}

func (c *MemoryChannel) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}
