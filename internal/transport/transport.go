// Package transport defines the abstract unreliable datagram channel a
// PeerLink rides on, plus a lossy in-memory implementation for tests.
//
// Grounded on original_source/client/src/connection.rs's use of
// web_sys::RtcDataChannel: Send/BufferedAmount/IsOpen/the on-open/on-message
// callback pair mirror that DataChannel's send(), bufferedAmount, and
// onopen/onmessage event handlers, collapsed to a plain Go interface since
// this module has no browser runtime to bind to.
package transport

// DataChannel is one unreliable, unordered, bidirectional byte-message
// channel to a single remote peer. Implementations need not guarantee
// delivery or ordering; SenderLoop and PeerLink are built to tolerate both
// loss and reordering.
type DataChannel interface {
	// Send enqueues data for delivery. It does not block on the network;
	// an error return means data was not sent (for example, the channel
	// is closed or not yet connected).
	Send(data []byte) error

	// BufferedAmount reports the number of bytes currently queued for
	// send but not yet handed to the network, mirroring
	// RTCDataChannel.bufferedAmount.
	BufferedAmount() int

	// IsOpen reports whether the channel is ready to send.
	IsOpen() bool

	// Close closes the channel. Idempotent.
	Close() error

	// OnMessage registers the callback invoked for every inbound
	// message. Must be called before the channel opens.
	OnMessage(func(data []byte))

	// OnOpen registers the callback invoked once the channel transitions
	// to open.
	OnOpen(func())

	// OnClose registers the callback invoked once the channel closes,
	// locally or remotely.
	OnClose(func())
}
