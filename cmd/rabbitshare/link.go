package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rabbitshare/rabbitshare/internal/peerid"
	"github.com/rabbitshare/rabbitshare/internal/peerlink"
	"github.com/rabbitshare/rabbitshare/internal/swarmpeer"
	"github.com/rabbitshare/rabbitshare/internal/transport"
	"github.com/rabbitshare/rabbitshare/internal/trackerclient"
	"github.com/rabbitshare/rabbitshare/internal/wire"
)

// linkRegistry is the glue between swarmpeer's transport-agnostic
// LinkFactory/Hooks and the real transport.WSChannel this binary uses in
// place of a browser WebRTC stack. The offering side's "SDP" is simply
// the listen address it opened for the answering side to dial, since
// there is no real ICE negotiation to carry (spec.md names ICE candidate
// exchange as an external collaborator's contract, not a behavior this
// module implements).
type linkRegistry struct {
	bindAddr string
	log      *slog.Logger

	mu      sync.Mutex
	sp      *swarmpeer.SwarmPeer
	pending map[peerid.PeerId]*pendingChannel
}

func newLinkRegistry(bindAddr string, log *slog.Logger) *linkRegistry {
	return &linkRegistry{
		bindAddr: bindAddr,
		log:      log,
		pending:  make(map[peerid.PeerId]*pendingChannel),
	}
}

func (r *linkRegistry) setSwarmPeer(sp *swarmpeer.SwarmPeer) {
	r.mu.Lock()
	r.sp = sp
	r.mu.Unlock()
}

func (r *linkRegistry) dispatch(from peerid.PeerId, msg wire.PeerMessage) {
	r.mu.Lock()
	sp := r.sp
	r.mu.Unlock()
	if sp != nil {
		sp.HandlePeerMessage(from, msg)
	}
}

func (r *linkRegistry) onLinkClosed(id peerid.PeerId) {
	r.mu.Lock()
	sp := r.sp
	delete(r.pending, id)
	r.mu.Unlock()
	if sp != nil {
		sp.RemoveLink(id)
	}
}

// newLink is the swarmpeer.LinkFactory. Both roles get a pendingChannel
// that isn't backed by a real connection yet: the Offering side resolves
// it once its listener accepts a peer, the Answering side resolves it
// once it has dialed the address carried in the SDP offer.
func (r *linkRegistry) newLink(peer peerid.PeerId, role peerlink.Role) (*peerlink.PeerLink, error) {
	pc := newPendingChannel()

	r.mu.Lock()
	r.pending[peer] = pc
	r.mu.Unlock()

	link := peerlink.New(peer, role, pc, peerlink.Opts{
		Log:       r.log,
		OnMessage: r.dispatch,
		OnClose:   r.onLinkClosed,
	})
	return link, nil
}

// sendOffer listens for an inbound peer connection and relays its bound
// address as this link's SDP offer.
func (r *linkRegistry) sendOffer(tc *trackerclient.Client, peer peerid.PeerId, link *peerlink.PeerLink) {
	bound, incoming, closeSrv, err := transport.Listen(r.bindAddr)
	if err != nil {
		r.log.Warn("listen for offer", "peer", peer, "err", err)
		return
	}

	go func() {
		ws, ok := <-incoming
		closeSrv()
		if !ok {
			return
		}
		r.mu.Lock()
		pc := r.pending[peer]
		r.mu.Unlock()
		if pc != nil {
			pc.resolve(ws)
		}
	}()

	if err := link.SetLocalDescription(); err != nil {
		r.log.Warn("SetLocalDescription", "peer", peer, "err", err)
		return
	}
	if err := link.MarkOfferSent(); err != nil {
		r.log.Warn("MarkOfferSent", "peer", peer, "err", err)
		return
	}
	if err := tc.Send(wire.NewSendOffer(peer, bound)); err != nil {
		r.log.Warn("send offer", "peer", peer, "err", err)
		return
	}
	_ = tc.Send(wire.NewAllIceCandidatesSent(peer))
}

// answer dials the address carried in the offer's SDP and relays a local
// answer back through the tracker.
func (r *linkRegistry) answer(ctx context.Context, tc *trackerclient.Client, peer peerid.PeerId, link *peerlink.PeerLink, sdp string) {
	r.connect(ctx, peer, sdp)

	if err := link.SetLocalDescription(); err != nil {
		r.log.Warn("SetLocalDescription", "peer", peer, "err", err)
		return
	}
	if err := link.MarkAnswerSent(); err != nil {
		r.log.Warn("MarkAnswerSent", "peer", peer, "err", err)
		return
	}
	if err := tc.Send(wire.NewSendAnswer(peer, sdp)); err != nil {
		r.log.Warn("send answer", "peer", peer, "err", err)
		return
	}
	_ = tc.Send(wire.NewAllIceCandidatesSent(peer))
}

// connect dials addr (the SDP payload, an "ip:port") and resolves peer's
// pendingChannel to the real connection.
func (r *linkRegistry) connect(ctx context.Context, peer peerid.PeerId, addr string) {
	r.mu.Lock()
	pc := r.pending[peer]
	r.mu.Unlock()
	if pc == nil {
		return
	}

	ws, err := transport.Dial(ctx, fmt.Sprintf("ws://%s/", addr))
	if err != nil {
		r.log.Warn("dial peer", "peer", peer, "addr", addr, "err", err)
		return
	}
	pc.resolve(ws)
}
