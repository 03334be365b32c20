// Package peerlink implements PeerLink: one unreliable bidirectional
// channel to a single remote peer plus its SDP negotiation handshake.
//
// Grounded on the teacher's internal/peer.Peer: explicit named connection
// state (AmChoking/PeerChoking there, negotiation phase here) read and
// written through an atomic word, a message-queue-before-handshake-complete
// pattern (here: ICE candidates buffered before a remote description is
// set), and per-connection callback hooks (OnBitfield/OnHave there,
// OnMessage/OnClose here) supplied by the caller rather than baked in.
// send_bounded's buffered-byte-count backpressure has no teacher
// equivalent (the teacher gates on outbox channel depth via a
// non-blocking `select`/`default` send in scheduler.assignBlockToPeer);
// the same non-blocking idiom is reused here, keyed off
// transport.DataChannel.BufferedAmount instead.
package peerlink

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rabbitshare/rabbitshare/internal/peerid"
	"github.com/rabbitshare/rabbitshare/internal/transport"
	"github.com/rabbitshare/rabbitshare/internal/wire"
)

// Role distinguishes which side of the SDP exchange this link plays.
type Role uint8

const (
	Offering Role = iota
	Answering
)

func (r Role) String() string {
	if r == Offering {
		return "offering"
	}
	return "answering"
}

// State is the negotiation phase of a PeerLink.
//
//	Offering:  New -> LocalDescribed -> WaitingAnswer -> Open (-> Closed)
//	Answering: New -> RemoteDescribed -> LocalDescribed -> Open (-> Closed)
type State uint32

const (
	StateNew State = iota
	StateRemoteDescribed
	StateLocalDescribed
	StateWaitingAnswer
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRemoteDescribed:
		return "remote-described"
	case StateLocalDescribed:
		return "local-described"
	case StateWaitingAnswer:
		return "waiting-answer"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

var (
	ErrClosed            = errors.New("peerlink: link closed")
	ErrBufferFull        = errors.New("peerlink: outbound buffer full")
	ErrInvalidTransition = errors.New("peerlink: invalid state transition")
)

// Opts configures a PeerLink at construction. Callbacks run on whatever
// goroutine the transport invokes them from; a nil callback is a no-op.
type Opts struct {
	Log       *slog.Logger
	OnMessage func(peerid.PeerId, wire.PeerMessage)
	OnClose   func(peerid.PeerId)

	// ApplyCandidate hands an ICE candidate blob to the caller's signaling
	// layer once a remote description is known. Candidates arriving
	// earlier are buffered and replayed through this hook in arrival
	// order. Non-goal per spec.md: PeerLink never interprets the
	// candidate string itself.
	ApplyCandidate func(candidate string) error
}

// PeerLink is one connection to a single remote peer: the SDP negotiation
// state machine plus the open data channel once negotiation completes.
type PeerLink struct {
	log  *slog.Logger
	peer peerid.PeerId
	role Role
	dc   transport.DataChannel

	state atomic.Uint32

	mu                sync.Mutex
	hasRemoteDesc     bool
	pendingCandidates []string

	onMessage      func(peerid.PeerId, wire.PeerMessage)
	onClose        func(peerid.PeerId)
	applyCandidate func(string) error

	closeOnce sync.Once
}

// New constructs a PeerLink for peer over dc, which must not yet be open.
func New(peer peerid.PeerId, role Role, dc transport.DataChannel, opts Opts) *PeerLink {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("src", "peerlink", "peer", peer, "role", role)

	l := &PeerLink{
		log:            log,
		peer:           peer,
		role:           role,
		dc:             dc,
		onMessage:      opts.OnMessage,
		onClose:        opts.OnClose,
		applyCandidate: opts.ApplyCandidate,
	}

	dc.OnMessage(l.handleInbound)
	dc.OnOpen(l.handleOpen)
	dc.OnClose(l.handleTransportClosed)

	return l
}

func (l *PeerLink) Peer() peerid.PeerId { return l.peer }
func (l *PeerLink) Role() Role          { return l.role }
func (l *PeerLink) State() State        { return State(l.state.Load()) }
func (l *PeerLink) IsOpen() bool        { return l.State() == StateOpen }

func (l *PeerLink) transition(from, to State) error {
	if !l.state.CompareAndSwap(uint32(from), uint32(to)) {
		return fmt.Errorf("%w: %v -> %v (currently %v)", ErrInvalidTransition, from, to, l.State())
	}
	l.log.Debug("state transition", "from", from, "to", to)
	return nil
}

// SetLocalDescription records that a local SDP description has been
// created, valid from New (Offering) or RemoteDescribed (Answering).
func (l *PeerLink) SetLocalDescription() error {
	if l.role == Offering {
		return l.transition(StateNew, StateLocalDescribed)
	}
	return l.transition(StateRemoteDescribed, StateLocalDescribed)
}

// MarkOfferSent moves an Offering link from LocalDescribed to
// WaitingAnswer once the offer has been relayed through the tracker.
func (l *PeerLink) MarkOfferSent() error {
	if l.role != Offering {
		return fmt.Errorf("peerlink: MarkOfferSent is Offering-only")
	}
	return l.transition(StateLocalDescribed, StateWaitingAnswer)
}

// MarkAnswerSent moves an Answering link from LocalDescribed to Open once
// the answer has been relayed through the tracker. Offering links open
// instead through SetRemoteDescription, which applies the incoming answer.
func (l *PeerLink) MarkAnswerSent() error {
	if l.role != Answering {
		return fmt.Errorf("peerlink: MarkAnswerSent is Answering-only")
	}
	return l.transition(StateLocalDescribed, StateOpen)
}

// SetRemoteDescription records the remote SDP description. For Answering
// this is the first step (New -> RemoteDescribed); for Offering this is
// the answer arriving, which completes negotiation (WaitingAnswer ->
// Open). Any ICE candidates buffered before this call are replayed
// through Opts.ApplyCandidate in arrival order.
func (l *PeerLink) SetRemoteDescription() error {
	var err error
	if l.role == Answering {
		err = l.transition(StateNew, StateRemoteDescribed)
	} else {
		err = l.transition(StateWaitingAnswer, StateOpen)
	}
	if err != nil {
		return err
	}
	l.drainCandidates()
	return nil
}

// AddRemoteCandidate buffers candidate if no remote description has been
// set yet, otherwise applies it immediately. Invalid late candidates (ones
// ApplyCandidate rejects) are logged and discarded, never surfaced as an
// error to the caller, matching spec.md §4.6.
func (l *PeerLink) AddRemoteCandidate(candidate string) {
	l.mu.Lock()
	if !l.hasRemoteDesc {
		l.pendingCandidates = append(l.pendingCandidates, candidate)
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	l.applyOne(candidate)
}

func (l *PeerLink) drainCandidates() {
	l.mu.Lock()
	l.hasRemoteDesc = true
	pending := l.pendingCandidates
	l.pendingCandidates = nil
	l.mu.Unlock()

	for _, c := range pending {
		l.applyOne(c)
	}
}

func (l *PeerLink) applyOne(candidate string) {
	if l.applyCandidate == nil {
		return
	}
	if err := l.applyCandidate(candidate); err != nil {
		l.log.Warn("discarding invalid ice candidate", "err", err)
	}
}

// Send serializes message and hands it to the data channel. It only
// rejects once the link is closed; unlike SendBounded it never checks
// buffered byte count.
func (l *PeerLink) Send(message wire.PeerMessage) error {
	if l.State() == StateClosed {
		return ErrClosed
	}
	data, err := message.MarshalBinary()
	if err != nil {
		return err
	}
	return l.dc.Send(data)
}

// SendBounded is Send, but returns ErrBufferFull without sending if the
// data channel's outbound buffered byte count is already at or above
// maxBufferBytes. SenderLoop uses this to shed piece sends to slow or
// stalled peers rather than growing memory without bound.
func (l *PeerLink) SendBounded(message wire.PeerMessage, maxBufferBytes int) error {
	if l.State() == StateClosed {
		return ErrClosed
	}
	if l.dc.BufferedAmount() >= maxBufferBytes {
		return ErrBufferFull
	}
	data, err := message.MarshalBinary()
	if err != nil {
		return err
	}
	return l.dc.Send(data)
}

func (l *PeerLink) handleOpen() {
	l.log.Debug("data channel open")
}

func (l *PeerLink) handleInbound(data []byte) {
	var m wire.PeerMessage
	if err := m.UnmarshalBinary(data); err != nil {
		l.log.Warn("dropping malformed peer message", "err", err)
		return
	}
	if l.onMessage != nil {
		l.onMessage(l.peer, m)
	}
}

func (l *PeerLink) handleTransportClosed() {
	l.Close()
}

// Close transitions the link to Closed and releases the underlying data
// channel. Idempotent.
func (l *PeerLink) Close() {
	first := false
	l.closeOnce.Do(func() {
		l.state.Store(uint32(StateClosed))
		first = true
	})
	if !first {
		return
	}
	// dc.Close fires the channel's close callback, which re-enters Close;
	// the once above has already completed, so that call returns early.
	_ = l.dc.Close()
	if l.onClose != nil {
		l.onClose(l.peer)
	}
	l.log.Debug("link closed")
}
