// Package swarmpeer implements SwarmPeer: the tracker connection, the
// PeerId->PeerLink map, and the Fingerprint->SharedFile map, dispatching
// both tracker and peer wire messages per spec.md §4.7's routing tables.
//
// Grounded on internal/peer.Swarm (peer map behind a sync.RWMutex, a
// dial/maintenance loop shape) and internal/torrent.Client/Torrent for the
// "owns files + peers, routes incoming messages by id" responsibility
// split. Weak references to SharedFile use Go's weak.Pointer, per spec.md
// §9's cyclic-ownership redesign note: SwarmPeer must be able to reach a
// file's SharedFile without being the reason it stays alive once its true
// owner (the CLI's file manager) drops it.
package swarmpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/rabbitshare/rabbitshare/internal/filemeta"
	"github.com/rabbitshare/rabbitshare/internal/peerid"
	"github.com/rabbitshare/rabbitshare/internal/peerlink"
	"github.com/rabbitshare/rabbitshare/internal/sharedfile"
	"github.com/rabbitshare/rabbitshare/internal/wire"
)

var (
	ErrAlreadyAdded     = errors.New("swarmpeer: file already added")
	ErrSelfAlreadyKnown = errors.New("swarmpeer: local peer id already assigned")
)

// TrackerSender is the outbound half of the tracker connection; SwarmPeer
// never dials a websocket itself (see internal/trackerclient).
type TrackerSender interface {
	Send(wire.TrackerClientMessage) error
}

// LinkFactory builds a new PeerLink for peer in the given role. The real
// implementation creates the underlying transport.DataChannel (in
// cmd/rabbitshare, a channel later resolved to a transport.WSChannel; a
// transport.MemoryChannel in tests); how
// that channel gets its ICE/SDP wiring is outside this package's scope per
// spec.md's external-ICE-candidate-contract non-goal.
type LinkFactory func(peer peerid.PeerId, role peerlink.Role) (*peerlink.PeerLink, error)

// Hooks are optional callbacks invoked when SDP content needs to leave
// this package for the real negotiation stack to act on. A nil hook is a
// no-op; tests exercising only the state-machine routing can omit all of
// them.
type Hooks struct {
	// OnNeedOffer fires after RequestOffer ensures an Offering link and
	// attaches the peer to the file; the caller is expected to create a
	// local SDP offer, call link.SetLocalDescription(),
	// link.MarkOfferSent(), and relay it with SendOffer.
	OnNeedOffer func(peer peerid.PeerId, link *peerlink.PeerLink, fp filemeta.Fingerprint)

	// OnOffer fires after PeerOffer ensures an Answering link and moves it
	// to RemoteDescribed; the caller creates the local answer, calls
	// link.SetLocalDescription() and link.MarkAnswerSent(), and relays the
	// answer with SendAnswer.
	OnOffer func(peer peerid.PeerId, link *peerlink.PeerLink, sdp string)

	// OnAnswer fires after PeerAnswer moves an Offering link to Open.
	OnAnswer func(peer peerid.PeerId, link *peerlink.PeerLink, sdp string)
}

// SwarmPeer owns the tracker connection, every PeerLink, and a weak map of
// every SharedFile this process is participating in.
type SwarmPeer struct {
	log     *slog.Logger
	tracker TrackerSender
	newLink LinkFactory
	hooks   Hooks
	stats   Stats

	mu           sync.RWMutex
	self         peerid.PeerId
	selfAssigned bool
	peers        map[peerid.PeerId]*peerlink.PeerLink
	files        map[filemeta.Fingerprint]weak.Pointer[sharedfile.SharedFile]
}

// Stats holds atomic progress counters for a SwarmPeer, read concurrently
// by a CLI progress printer while the tracker/peer goroutines update them.
// Grounded on the teacher's peer.SwarmStats (a struct of atomic.Uint32/64
// fields read by Swarm.Stats() into a plain snapshot).
type Stats struct {
	BytesReceived  atomic.Uint64
	BytesSent      atomic.Uint64
	PiecesReceived atomic.Uint64
	PiecesSent     atomic.Uint64
}

// Snapshot is a point-in-time, non-atomic copy of Stats suitable for
// printing.
type Snapshot struct {
	BytesReceived  uint64
	BytesSent      uint64
	PiecesReceived uint64
	PiecesSent     uint64
	PeersConnected int
}

// New constructs a SwarmPeer. newLink must not be nil.
func New(log *slog.Logger, tracker TrackerSender, newLink LinkFactory, hooks Hooks) *SwarmPeer {
	if log == nil {
		log = slog.Default()
	}
	return &SwarmPeer{
		log:     log.With("src", "swarmpeer"),
		tracker: tracker,
		newLink: newLink,
		hooks:   hooks,
		peers:   make(map[peerid.PeerId]*peerlink.PeerLink),
		files:   make(map[filemeta.Fingerprint]weak.Pointer[sharedfile.SharedFile]),
	}
}

// NoteSent records one outbound piece send, for wiring into
// internal/senderloop.Config.OnPieceSent.
func (sp *SwarmPeer) NoteSent(bytes int) {
	sp.stats.BytesSent.Add(uint64(bytes))
	sp.stats.PiecesSent.Add(1)
}

// Stats returns a snapshot of this SwarmPeer's traffic counters and
// current peer count, per spec.md §7's allowance for progress reporting.
func (sp *SwarmPeer) Stats() Snapshot {
	sp.mu.RLock()
	n := len(sp.peers)
	sp.mu.RUnlock()
	return Snapshot{
		BytesReceived:  sp.stats.BytesReceived.Load(),
		BytesSent:      sp.stats.BytesSent.Load(),
		PiecesReceived: sp.stats.PiecesReceived.Load(),
		PiecesSent:     sp.stats.PiecesSent.Load(),
		PeersConnected: n,
	}
}

// Self returns the locally assigned PeerId and whether the tracker has
// assigned one yet.
func (sp *SwarmPeer) Self() (peerid.PeerId, bool) {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	return sp.self, sp.selfAssigned
}

// AddFile registers sf under fp and requests offers from the tracker.
// Fails ErrAlreadyAdded if fp is already registered and its SharedFile is
// still alive.
func (sp *SwarmPeer) AddFile(fp filemeta.Fingerprint, sf *sharedfile.SharedFile) error {
	sp.mu.Lock()
	if existing, ok := sp.files[fp]; ok && existing.Value() != nil {
		sp.mu.Unlock()
		return ErrAlreadyAdded
	}
	sp.files[fp] = weak.Make(sf)
	sp.mu.Unlock()

	return sp.tracker.Send(wire.NewRequestOffers(fp))
}

// GetFile returns the live SharedFile for fp, if any.
func (sp *SwarmPeer) GetFile(fp filemeta.Fingerprint) (*sharedfile.SharedFile, bool) {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	w, ok := sp.files[fp]
	if !ok {
		return nil, false
	}
	sf := w.Value()
	return sf, sf != nil
}

// Files returns every fingerprint with a currently-live SharedFile.
func (sp *SwarmPeer) Files() []filemeta.Fingerprint {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	out := make([]filemeta.Fingerprint, 0, len(sp.files))
	for fp, w := range sp.files {
		if w.Value() != nil {
			out = append(out, fp)
		}
	}
	return out
}

// PurgeDeadFiles drops every fingerprint whose weak reference has expired,
// returning how many were removed.
func (sp *SwarmPeer) PurgeDeadFiles() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	removed := 0
	for fp, w := range sp.files {
		if w.Value() == nil {
			delete(sp.files, fp)
			removed++
		}
	}
	return removed
}

// GetLink returns the PeerLink for id, if any.
func (sp *SwarmPeer) GetLink(id peerid.PeerId) (*peerlink.PeerLink, bool) {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	l, ok := sp.peers[id]
	return l, ok
}

// Links returns every currently tracked PeerLink.
func (sp *SwarmPeer) Links() []*peerlink.PeerLink {
	sp.mu.RLock()
	defer sp.mu.RUnlock()
	out := make([]*peerlink.PeerLink, 0, len(sp.peers))
	for _, l := range sp.peers {
		out = append(out, l)
	}
	return out
}

// RemoveLink drops id's PeerLink, per spec.md's ChannelClosed handling, and
// detaches it from every SharedFile it was attached to.
func (sp *SwarmPeer) RemoveLink(id peerid.PeerId) {
	sp.mu.Lock()
	delete(sp.peers, id)
	files := make([]*sharedfile.SharedFile, 0, len(sp.files))
	for _, w := range sp.files {
		if sf := w.Value(); sf != nil {
			files = append(files, sf)
		}
	}
	sp.mu.Unlock()

	for _, sf := range files {
		if sf.HasPeer(id) {
			_ = sf.RemovePeer(id)
		}
	}
}

// AttachLink registers an already-constructed PeerLink under id, for
// callers (or tests) that build the link outside the LinkFactory path —
// e.g. once a real SDP/ICE negotiation completes out-of-band. Replaces any
// existing link for id.
func (sp *SwarmPeer) AttachLink(id peerid.PeerId, link *peerlink.PeerLink) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.peers[id] = link
}

func (sp *SwarmPeer) ensureLink(id peerid.PeerId, role peerlink.Role) (*peerlink.PeerLink, error) {
	sp.mu.Lock()
	if l, ok := sp.peers[id]; ok {
		sp.mu.Unlock()
		return l, nil
	}
	sp.mu.Unlock()

	l, err := sp.newLink(id, role)
	if err != nil {
		return nil, fmt.Errorf("swarmpeer: create link for %v: %w", id, err)
	}

	sp.mu.Lock()
	if existing, ok := sp.peers[id]; ok {
		sp.mu.Unlock()
		l.Close()
		return existing, nil
	}
	sp.peers[id] = l
	sp.mu.Unlock()
	return l, nil
}

// HandleTrackerMessage dispatches one tracker->peer frame per spec.md
// §4.7's table.
func (sp *SwarmPeer) HandleTrackerMessage(msg wire.TrackerServerMessage) error {
	switch msg.Kind {
	case wire.PeerIdAssigned:
		sp.mu.Lock()
		if sp.selfAssigned {
			sp.mu.Unlock()
			return ErrSelfAlreadyKnown
		}
		sp.self = msg.Peer
		sp.selfAssigned = true
		sp.mu.Unlock()
		return nil

	case wire.RequestOffer:
		sf, ok := sp.GetFile(msg.Fingerprint)
		if !ok {
			sp.log.Debug("RequestOffer for unknown file", "fingerprint", msg.Fingerprint, "peer", msg.Peer)
			return nil
		}
		link, err := sp.ensureLink(msg.Peer, peerlink.Offering)
		if err != nil {
			return err
		}
		if err := sf.AddPeer(msg.Peer); err != nil && !errors.Is(err, sharedfile.ErrPeerAlreadyAdded) {
			return err
		}
		if sp.hooks.OnNeedOffer != nil {
			sp.hooks.OnNeedOffer(msg.Peer, link, msg.Fingerprint)
		}
		return nil

	case wire.PeerOffer:
		link, err := sp.ensureLink(msg.Peer, peerlink.Answering)
		if err != nil {
			return err
		}
		if err := link.SetRemoteDescription(); err != nil {
			return err
		}
		if sp.hooks.OnOffer != nil {
			sp.hooks.OnOffer(msg.Peer, link, msg.SDP)
		}
		return nil

	case wire.PeerAnswer:
		link, ok := sp.GetLink(msg.Peer)
		if !ok {
			sp.log.Warn("PeerAnswer from unknown peer", "peer", msg.Peer)
			return nil
		}
		if err := link.SetRemoteDescription(); err != nil {
			return err
		}
		if sp.hooks.OnAnswer != nil {
			sp.hooks.OnAnswer(msg.Peer, link, msg.SDP)
		}
		return nil

	case wire.PeerIceCandidate:
		link, ok := sp.GetLink(msg.Peer)
		if !ok {
			sp.log.Warn("PeerIceCandidate from unknown peer", "peer", msg.Peer)
			return nil
		}
		link.AddRemoteCandidate(msg.Candidate)
		return nil

	case wire.PeerAllIceCandidatesSent:
		if _, ok := sp.GetLink(msg.Peer); !ok {
			sp.log.Warn("PeerAllIceCandidatesSent from unknown peer", "peer", msg.Peer)
		}
		return nil

	default:
		return fmt.Errorf("swarmpeer: unhandled tracker message kind %v", msg.Kind)
	}
}

// HandlePeerMessage routes one peer<->peer frame, received over from's
// PeerLink, to the matching SharedFile per spec.md §4.7's table. Unknown
// fingerprints are dropped.
func (sp *SwarmPeer) HandlePeerMessage(from peerid.PeerId, msg wire.PeerMessage) {
	sf, ok := sp.GetFile(msg.Fingerprint)
	if !ok {
		sp.log.Debug("dropping peer message for unknown file", "peer", from, "fingerprint", msg.Fingerprint, "kind", msg.Kind)
		return
	}
	link, _ := sp.GetLink(from)

	switch msg.Kind {
	case wire.FileMissing:
		if err := sf.SetPeerFileMissing(from); err != nil {
			sp.log.Warn("SetPeerFileMissing", "err", err)
		}
		sp.reply(link, wire.NewFileStateReceived(msg.Fingerprint))

	case wire.FileComplete:
		if err := sf.SetPeerFileComplete(from); err != nil {
			sp.log.Warn("SetPeerFileComplete", "err", err)
		}
		sp.reply(link, wire.NewFileStateReceived(msg.Fingerprint))

	case wire.FileState:
		if err := sf.SetPeerState(from, msg.Bitmap); err != nil {
			sp.log.Warn("SetPeerState", "err", err)
		}
		sp.reply(link, wire.NewFileStateReceived(msg.Fingerprint))

	case wire.FileStateReceived:
		if err := sf.SetLocalStateStatus(from, sharedfile.LocalStateStatus{Kind: sharedfile.Received}); err != nil {
			sp.log.Warn("SetLocalStateStatus", "err", err)
		}

	case wire.FilePiece:
		if err := sf.AddLocalPiece(int(msg.PieceIndex), msg.PieceBytes); err != nil &&
			!errors.Is(err, sharedfile.ErrPieceAlreadySet) {
			sp.log.Warn("AddLocalPiece", "peer", from, "piece", msg.PieceIndex, "err", err)
		} else if err == nil {
			sp.stats.BytesReceived.Add(uint64(len(msg.PieceBytes)))
			sp.stats.PiecesReceived.Add(1)
		}

	case wire.FilePiecesReceived:
		for _, i := range msg.PieceIndices {
			if _, err := sf.MarkPeerPieceReceived(from, int(i)); err != nil {
				sp.log.Warn("MarkPeerPieceReceived", "peer", from, "piece", i, "err", err)
			}
		}

	case wire.FileRemoved:
		if err := sf.RemovePeer(from); err != nil && !errors.Is(err, sharedfile.ErrPeerNotPresent) {
			sp.log.Warn("RemovePeer", "err", err)
		}

	default:
		sp.log.Warn("unhandled peer message kind", "kind", msg.Kind)
	}
}

func (sp *SwarmPeer) reply(link *peerlink.PeerLink, msg wire.PeerMessage) {
	if link == nil || !link.IsOpen() {
		return
	}
	if err := link.Send(msg); err != nil {
		sp.log.Warn("reply send failed", "err", err)
	}
}
