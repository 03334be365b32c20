package peerlink

import (
	"errors"
	"sync"
	"testing"

	"github.com/rabbitshare/rabbitshare/internal/filemeta"
	"github.com/rabbitshare/rabbitshare/internal/peerid"
	"github.com/rabbitshare/rabbitshare/internal/transport"
	"github.com/rabbitshare/rabbitshare/internal/wire"
)

// fakeDataChannel lets tests pin BufferedAmount independently of Send, to
// exercise SendBounded's backpressure gate without a real network.
type fakeDataChannel struct {
	mu       sync.Mutex
	buffered int
	closed   bool
	sent     [][]byte
	onMsg    func([]byte)
}

func (f *fakeDataChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrChannelClosed
	}
	f.sent = append(f.sent, data)
	return nil
}
func (f *fakeDataChannel) BufferedAmount() int { f.mu.Lock(); defer f.mu.Unlock(); return f.buffered }
func (f *fakeDataChannel) IsOpen() bool        { f.mu.Lock(); defer f.mu.Unlock(); return !f.closed }
func (f *fakeDataChannel) Close() error        { f.mu.Lock(); defer f.mu.Unlock(); f.closed = true; return nil }
func (f *fakeDataChannel) OnMessage(fn func([]byte)) { f.onMsg = fn }
func (f *fakeDataChannel) OnOpen(func())             {}
func (f *fakeDataChannel) OnClose(func())            {}

func TestOfferingAnsweringHandshakeReachesOpen(t *testing.T) {
	a, b := transport.NewMemoryPair(transport.NoLoss{})

	offerer := New(peerid.PeerId(1), Offering, a, Opts{})
	answerer := New(peerid.PeerId(2), Answering, b, Opts{})

	if err := offerer.SetLocalDescription(); err != nil {
		t.Fatalf("offerer SetLocalDescription: %v", err)
	}
	if err := offerer.MarkOfferSent(); err != nil {
		t.Fatalf("offerer MarkOfferSent: %v", err)
	}
	if offerer.State() != StateWaitingAnswer {
		t.Fatalf("offerer state = %v; want WaitingAnswer", offerer.State())
	}

	if err := answerer.SetRemoteDescription(); err != nil {
		t.Fatalf("answerer SetRemoteDescription: %v", err)
	}
	if err := answerer.SetLocalDescription(); err != nil {
		t.Fatalf("answerer SetLocalDescription: %v", err)
	}
	if answerer.State() != StateLocalDescribed {
		t.Fatalf("answerer state = %v; want LocalDescribed", answerer.State())
	}

	if err := offerer.SetRemoteDescription(); err != nil {
		t.Fatalf("offerer SetRemoteDescription (answer): %v", err)
	}
	if !offerer.IsOpen() {
		t.Fatalf("offerer should be open after receiving the answer")
	}

	if err := answerer.MarkAnswerSent(); err != nil {
		t.Fatalf("answerer MarkAnswerSent: %v", err)
	}
	if !answerer.IsOpen() {
		t.Fatalf("answerer should be open")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	a, _ := transport.NewMemoryPair(transport.NoLoss{})
	l := New(peerid.PeerId(1), Offering, a, Opts{})
	if err := l.MarkOfferSent(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkOfferSent before SetLocalDescription = %v; want ErrInvalidTransition", err)
	}
}

func TestSendRejectedOnceClosed(t *testing.T) {
	a, _ := transport.NewMemoryPair(transport.NoLoss{})
	l := New(peerid.PeerId(1), Offering, a, Opts{})
	l.Close()

	fp := filemeta.Fingerprint{1}
	if err := l.Send(wire.NewFileMissing(fp)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v; want ErrClosed", err)
	}
}

func TestSendBoundedRejectsWhenBufferFull(t *testing.T) {
	dc := &fakeDataChannel{buffered: 1 << 20}
	l := New(peerid.PeerId(1), Offering, dc, Opts{})
	l.state.Store(uint32(StateOpen))

	fp := filemeta.Fingerprint{1}
	err := l.SendBounded(wire.NewFilePiece(fp, 0, make([]byte, filemeta.PieceSize)), 1<<10)
	if !errors.Is(err, ErrBufferFull) {
		t.Fatalf("SendBounded over budget = %v; want ErrBufferFull", err)
	}
	if len(dc.sent) != 0 {
		t.Fatalf("message should not have been enqueued")
	}

	dc.mu.Lock()
	dc.buffered = 0
	dc.mu.Unlock()
	if err := l.SendBounded(wire.NewFilePiece(fp, 0, make([]byte, filemeta.PieceSize)), 1<<10); err != nil {
		t.Fatalf("SendBounded under budget: %v", err)
	}
	if len(dc.sent) != 1 {
		t.Fatalf("expected one message enqueued, got %d", len(dc.sent))
	}
}

func TestCandidatesBufferedUntilRemoteDescriptionSet(t *testing.T) {
	a, _ := transport.NewMemoryPair(transport.NoLoss{})
	var applied []string
	var mu sync.Mutex
	l := New(peerid.PeerId(1), Answering, a, Opts{
		ApplyCandidate: func(c string) error {
			mu.Lock()
			applied = append(applied, c)
			mu.Unlock()
			return nil
		},
	})

	l.AddRemoteCandidate("early-1")
	l.AddRemoteCandidate("early-2")

	mu.Lock()
	n := len(applied)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("candidates applied before remote description set: %v", applied)
	}

	if err := l.SetRemoteDescription(); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}

	mu.Lock()
	replayed := append([]string(nil), applied...)
	mu.Unlock()
	if len(replayed) != 2 || replayed[0] != "early-1" || replayed[1] != "early-2" {
		t.Fatalf("buffered candidates not replayed in order: %v", replayed)
	}

	// ApplyCandidate takes mu, so it must not be held across this call.
	l.AddRemoteCandidate("late")
	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 3 || applied[2] != "late" {
		t.Fatalf("candidate after remote description not applied immediately: %v", applied)
	}
}

func TestInvalidCandidateLoggedAndDiscarded(t *testing.T) {
	a, _ := transport.NewMemoryPair(transport.NoLoss{})
	l := New(peerid.PeerId(1), Answering, a, Opts{
		ApplyCandidate: func(c string) error { return errors.New("malformed candidate") },
	})
	if err := l.SetRemoteDescription(); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	// must not panic or propagate the ApplyCandidate error to the caller.
	l.AddRemoteCandidate("garbage")
}

func TestMessageRoundTripOverMemoryPair(t *testing.T) {
	a, b := transport.NewMemoryPair(transport.NoLoss{})

	received := make(chan wire.PeerMessage, 1)
	la := New(peerid.PeerId(1), Offering, a, Opts{})
	_ = New(peerid.PeerId(2), Answering, b, Opts{
		OnMessage: func(_ peerid.PeerId, m wire.PeerMessage) { received <- m },
	})
	la.state.Store(uint32(StateOpen))

	fp := filemeta.Fingerprint{7}
	if err := la.Send(wire.NewFileComplete(fp)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case m := <-received:
		if m.Kind != wire.FileComplete || m.Fingerprint != fp {
			t.Fatalf("received message = %+v", m)
		}
	default:
		t.Fatalf("expected a message to have been delivered synchronously")
	}
}
