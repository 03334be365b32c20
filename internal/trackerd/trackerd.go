// Package trackerd implements the signaling tracker server (spec.md §4.9):
// a stateless relay that assigns each connection a PeerId, forwards
// SDP/ICE frames by target PeerId without interpreting them, and fans out
// RequestOffer to every other peer interested in a fingerprint.
//
// Grounded on other_examples/majestrate-chihaya's tracker (mutex-guarded
// in-memory peer/interest maps, no persistence across restarts) for the
// server shape, and on the teacher's internal/tracker.Tracker for the
// logging and locking idiom (log.With per component, mu sync.Mutex around
// plain maps). Unlike the teacher's HTTP/UDP announce protocol, transport
// is WebSocket end-to-end via github.com/gorilla/websocket, matching
// spec.md §4.9 and SPEC_FULL.md §4.9's rationale for this repo.
package trackerd

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rabbitshare/rabbitshare/internal/filemeta"
	"github.com/rabbitshare/rabbitshare/internal/peerid"
	"github.com/rabbitshare/rabbitshare/internal/wire"
)

var ErrUnknownTarget = errors.New("trackerd: target peer not connected")

// Server is an http.Handler that upgrades every request to a WebSocket
// connection and relays signaling frames between the connected peers. It
// holds no state beyond live connections and interest sets: a restart
// drops every peer, matching spec.md's "stateless across restarts".
type Server struct {
	log      *slog.Logger
	upgrader websocket.Upgrader
	nextID   atomic.Uint32

	mu       sync.Mutex
	peers    map[peerid.PeerId]*conn
	interest map[filemeta.Fingerprint]map[peerid.PeerId]struct{}
}

// NewServer constructs a tracker relay. A nil log defaults to slog.Default.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("src", "trackerd"),
		peers:    make(map[peerid.PeerId]*conn),
		interest: make(map[filemeta.Fingerprint]map[peerid.PeerId]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// conn wraps one upgraded WebSocket with the PeerId it was assigned.
// Gorilla requires at most one concurrent writer per connection, so all
// sends go through sendMu.
type conn struct {
	id     peerid.PeerId
	ws     *websocket.Conn
	sendMu sync.Mutex
}

func (c *conn) send(msg wire.TrackerServerMessage) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// ServeHTTP upgrades the request and blocks, relaying frames, until the
// connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "err", err)
		return
	}
	defer ws.Close()

	c := &conn{id: peerid.PeerId(s.nextID.Add(1)), ws: ws}
	log := s.log.With("peer", c.id)

	s.mu.Lock()
	s.peers[c.id] = c
	s.mu.Unlock()
	log.Info("peer connected")

	defer s.removePeer(c.id)

	if err := c.send(wire.NewPeerIdAssigned(c.id)); err != nil {
		log.Warn("failed to assign peer id", "err", err)
		return
	}

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			log.Info("peer disconnected", "err", err)
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		var msg wire.TrackerClientMessage
		if err := msg.UnmarshalBinary(data); err != nil {
			log.Warn("dropping malformed tracker frame", "err", err)
			continue
		}
		s.handle(c.id, msg)
	}
}

func (s *Server) handle(from peerid.PeerId, msg wire.TrackerClientMessage) {
	switch msg.Kind {
	case wire.RequestOffers:
		s.requestOffers(from, msg.Fingerprint)
	case wire.SendOffer:
		s.relay(msg.Peer, wire.NewPeerOffer(from, msg.SDP))
	case wire.SendAnswer:
		s.relay(msg.Peer, wire.NewPeerAnswer(from, msg.SDP))
	case wire.SendIceCandidate:
		s.relay(msg.Peer, wire.NewPeerIceCandidate(from, msg.Candidate))
	case wire.AllIceCandidatesSent:
		s.relay(msg.Peer, wire.NewPeerAllIceCandidatesSent(from))
	}
}

// requestOffers records from's interest in fp and asks every other
// interested peer to produce an offer for from, per spec.md §4.9.
func (s *Server) requestOffers(from peerid.PeerId, fp filemeta.Fingerprint) {
	s.mu.Lock()
	set, ok := s.interest[fp]
	if !ok {
		set = make(map[peerid.PeerId]struct{})
		s.interest[fp] = set
	}
	others := make([]peerid.PeerId, 0, len(set))
	for id := range set {
		if id != from {
			others = append(others, id)
		}
	}
	set[from] = struct{}{}
	s.mu.Unlock()

	for _, other := range others {
		s.relay(other, wire.NewRequestOffer(from, fp))
	}
}

func (s *Server) relay(to peerid.PeerId, msg wire.TrackerServerMessage) {
	s.mu.Lock()
	target, ok := s.peers[to]
	s.mu.Unlock()
	if !ok {
		s.log.Debug("relay target gone", "to", to, "kind", msg.Kind)
		return
	}
	if err := target.send(msg); err != nil {
		s.log.Warn("relay send failed", "to", to, "kind", msg.Kind, "err", err)
	}
}

func (s *Server) removePeer(id peerid.PeerId) {
	s.mu.Lock()
	delete(s.peers, id)
	for _, set := range s.interest {
		delete(set, id)
	}
	s.mu.Unlock()
}
