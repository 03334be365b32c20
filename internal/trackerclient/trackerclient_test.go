package trackerclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rabbitshare/rabbitshare/internal/filemeta"
	"github.com/rabbitshare/rabbitshare/internal/trackerd"
	"github.com/rabbitshare/rabbitshare/internal/wire"
)

func newTestTrackerd(t *testing.T) (addr string, close func()) {
	t.Helper()
	srv := httptest.NewServer(trackerd.NewServer(nil))
	return "ws" + strings.TrimPrefix(srv.URL, "http"), srv.Close
}

type recorder struct {
	mu       sync.Mutex
	messages []wire.TrackerServerMessage
	ready    chan struct{}
}

func newRecorder() *recorder { return &recorder{ready: make(chan struct{}, 64)} }

func (r *recorder) onMessage(m wire.TrackerServerMessage) {
	r.mu.Lock()
	r.messages = append(r.messages, m)
	r.mu.Unlock()
	r.ready <- struct{}{}
}

func (r *recorder) waitFor(t *testing.T) wire.TrackerServerMessage {
	t.Helper()
	select {
	case <-r.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tracker message")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messages[len(r.messages)-1]
}

func TestDialReceivesPeerIdAssignedFirst(t *testing.T) {
	addr, closeSrv := newTestTrackerd(t)
	defer closeSrv()

	rec := newRecorder()
	c, err := Dial(context.Background(), addr, Opts{OnMessage: rec.onMessage})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	msg := rec.waitFor(t)
	if msg.Kind != wire.PeerIdAssigned {
		t.Fatalf("first message = %v; want PeerIdAssigned", msg.Kind)
	}
}

func TestSendRelaysThroughTrackerToRawPeer(t *testing.T) {
	addr, closeSrv := newTestTrackerd(t)
	defer closeSrv()

	rec := newRecorder()
	c, err := Dial(context.Background(), addr, Opts{OnMessage: rec.onMessage})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	myID := rec.waitFor(t).Peer

	raw, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		t.Fatalf("raw dial: %v", err)
	}
	defer raw.Close()

	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := raw.ReadMessage()
	if err != nil {
		t.Fatalf("raw read assigned: %v", err)
	}
	var assigned wire.TrackerServerMessage
	if err := assigned.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rawID := assigned.Peer

	if err := c.Send(wire.NewSendOffer(rawID, "hello-sdp")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = raw.ReadMessage()
	if err != nil {
		t.Fatalf("raw read offer: %v", err)
	}
	var offer wire.TrackerServerMessage
	if err := offer.UnmarshalBinary(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if offer.Kind != wire.PeerOffer || offer.Peer != myID || offer.SDP != "hello-sdp" {
		t.Fatalf("got %+v", offer)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	addr, closeSrv := newTestTrackerd(t)
	defer closeSrv()

	rec := newRecorder()
	c, err := Dial(context.Background(), addr, Opts{OnMessage: rec.onMessage})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	rec.waitFor(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := c.Send(wire.NewRequestOffers(filemeta.Fingerprint{1})); err == nil {
		t.Fatalf("expected Send after Close to fail")
	}
}

func TestOnCloseCalledWhenServerDrops(t *testing.T) {
	addr, closeSrv := newTestTrackerd(t)

	rec := newRecorder()
	closed := make(chan struct{})
	c, err := Dial(context.Background(), addr, Opts{
		OnMessage: rec.onMessage,
		OnClose:   func(error) { close(closed) },
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	rec.waitFor(t)

	closeSrv()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose was not invoked after server shutdown")
	}
}
