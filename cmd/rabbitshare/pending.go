package main

import (
	"errors"
	"sync"

	"github.com/rabbitshare/rabbitshare/internal/transport"
)

// pendingChannel is a transport.DataChannel that doesn't yet have a real
// connection behind it. peerlink.New registers its callbacks against the
// DataChannel at construction time, before this module has dialed or
// accepted anything; pendingChannel buffers those registrations and
// forwards them to the real transport.WSChannel once resolve is called.
type pendingChannel struct {
	mu   sync.Mutex
	real transport.DataChannel

	onMessage func([]byte)
	onOpen    func()
	onClose   func()
}

var errLinkNotConnected = errors.New("rabbitshare: link has no transport yet")

func newPendingChannel() *pendingChannel {
	return &pendingChannel{}
}

func (p *pendingChannel) resolve(real transport.DataChannel) {
	p.mu.Lock()
	p.real = real
	onMessage, onOpen, onClose := p.onMessage, p.onOpen, p.onClose
	p.mu.Unlock()

	if onMessage != nil {
		real.OnMessage(onMessage)
	}
	if onClose != nil {
		real.OnClose(onClose)
	}
	real.OnOpen(func() {
		if onOpen != nil {
			onOpen()
		}
	})
}

func (p *pendingChannel) Send(data []byte) error {
	p.mu.Lock()
	real := p.real
	p.mu.Unlock()
	if real == nil {
		return errLinkNotConnected
	}
	return real.Send(data)
}

func (p *pendingChannel) BufferedAmount() int {
	p.mu.Lock()
	real := p.real
	p.mu.Unlock()
	if real == nil {
		return 0
	}
	return real.BufferedAmount()
}

func (p *pendingChannel) IsOpen() bool {
	p.mu.Lock()
	real := p.real
	p.mu.Unlock()
	return real != nil && real.IsOpen()
}

func (p *pendingChannel) Close() error {
	p.mu.Lock()
	real := p.real
	p.mu.Unlock()
	if real == nil {
		return nil
	}
	return real.Close()
}

func (p *pendingChannel) OnMessage(fn func([]byte)) {
	p.mu.Lock()
	p.onMessage = fn
	real := p.real
	p.mu.Unlock()
	if real != nil {
		real.OnMessage(fn)
	}
}

func (p *pendingChannel) OnOpen(fn func()) {
	p.mu.Lock()
	p.onOpen = fn
	real := p.real
	p.mu.Unlock()
	if real != nil {
		real.OnOpen(fn)
	}
}

func (p *pendingChannel) OnClose(fn func()) {
	p.mu.Lock()
	p.onClose = fn
	real := p.real
	p.mu.Unlock()
	if real != nil {
		real.OnClose(fn)
	}
}
