package wire

import (
	"errors"
	"fmt"

	"github.com/rabbitshare/rabbitshare/internal/bitmap"
	"github.com/rabbitshare/rabbitshare/internal/filemeta"
	"github.com/rabbitshare/rabbitshare/internal/peerid"
)

var ErrUnknownKind = errors.New("wire: unknown message kind")

// TrackerClientKind enumerates peer->tracker messages (spec.md §6).
type TrackerClientKind uint8

const (
	RequestOffers TrackerClientKind = iota
	SendOffer
	SendAnswer
	SendIceCandidate
	AllIceCandidatesSent
)

func (k TrackerClientKind) String() string {
	switch k {
	case RequestOffers:
		return "RequestOffers"
	case SendOffer:
		return "SendOffer"
	case SendAnswer:
		return "SendAnswer"
	case SendIceCandidate:
		return "SendIceCandidate"
	case AllIceCandidatesSent:
		return "AllIceCandidatesSent"
	default:
		return fmt.Sprintf("TrackerClientKind(%d)", uint8(k))
	}
}

// TrackerClientMessage is one frame a peer sends to the tracker.
type TrackerClientMessage struct {
	Kind        TrackerClientKind
	Fingerprint filemeta.Fingerprint // RequestOffers
	Peer        peerid.PeerId        // SendOffer, SendAnswer, SendIceCandidate, AllIceCandidatesSent
	SDP         string               // SendOffer, SendAnswer
	Candidate   string               // SendIceCandidate
}

func NewRequestOffers(fp filemeta.Fingerprint) TrackerClientMessage {
	return TrackerClientMessage{Kind: RequestOffers, Fingerprint: fp}
}

func NewSendOffer(peer peerid.PeerId, sdp string) TrackerClientMessage {
	return TrackerClientMessage{Kind: SendOffer, Peer: peer, SDP: sdp}
}

func NewSendAnswer(peer peerid.PeerId, sdp string) TrackerClientMessage {
	return TrackerClientMessage{Kind: SendAnswer, Peer: peer, SDP: sdp}
}

func NewSendIceCandidate(peer peerid.PeerId, candidate string) TrackerClientMessage {
	return TrackerClientMessage{Kind: SendIceCandidate, Peer: peer, Candidate: candidate}
}

func NewAllIceCandidatesSent(peer peerid.PeerId) TrackerClientMessage {
	return TrackerClientMessage{Kind: AllIceCandidatesSent, Peer: peer}
}

func (m TrackerClientMessage) MarshalBinary() ([]byte, error) {
	var w Writer
	w.PutUint8(uint8(m.Kind))
	switch m.Kind {
	case RequestOffers:
		w.PutFingerprint(m.Fingerprint)
	case SendOffer:
		w.PutPeerId(m.Peer)
		w.PutString(m.SDP)
	case SendAnswer:
		w.PutPeerId(m.Peer)
		w.PutString(m.SDP)
	case SendIceCandidate:
		w.PutPeerId(m.Peer)
		w.PutString(m.Candidate)
	case AllIceCandidatesSent:
		w.PutPeerId(m.Peer)
	default:
		return nil, fmt.Errorf("wire: marshal %v: %w", m.Kind, ErrUnknownKind)
	}
	return w.Bytes(), nil
}

func (m *TrackerClientMessage) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	kind, err := r.Uint8()
	if err != nil {
		return err
	}
	m.Kind = TrackerClientKind(kind)

	switch m.Kind {
	case RequestOffers:
		m.Fingerprint, err = r.Fingerprint()
	case SendOffer, SendAnswer:
		if m.Peer, err = r.PeerId(); err != nil {
			return err
		}
		m.SDP, err = r.String()
	case SendIceCandidate:
		if m.Peer, err = r.PeerId(); err != nil {
			return err
		}
		m.Candidate, err = r.String()
	case AllIceCandidatesSent:
		m.Peer, err = r.PeerId()
	default:
		return fmt.Errorf("wire: unmarshal kind %d: %w", kind, ErrUnknownKind)
	}
	return err
}

// TrackerServerKind enumerates tracker->peer messages.
type TrackerServerKind uint8

const (
	PeerIdAssigned TrackerServerKind = iota
	RequestOffer
	PeerOffer
	PeerAnswer
	PeerIceCandidate
	PeerAllIceCandidatesSent
)

func (k TrackerServerKind) String() string {
	switch k {
	case PeerIdAssigned:
		return "PeerIdAssigned"
	case RequestOffer:
		return "RequestOffer"
	case PeerOffer:
		return "PeerOffer"
	case PeerAnswer:
		return "PeerAnswer"
	case PeerIceCandidate:
		return "PeerIceCandidate"
	case PeerAllIceCandidatesSent:
		return "PeerAllIceCandidatesSent"
	default:
		return fmt.Sprintf("TrackerServerKind(%d)", uint8(k))
	}
}

// TrackerServerMessage is one frame the tracker sends to a peer.
type TrackerServerMessage struct {
	Kind        TrackerServerKind
	Peer        peerid.PeerId        // all but PeerIdAssigned identify the sender peer
	Fingerprint filemeta.Fingerprint // RequestOffer
	SDP         string               // PeerOffer, PeerAnswer
	Candidate   string               // PeerIceCandidate
}

func NewPeerIdAssigned(peer peerid.PeerId) TrackerServerMessage {
	return TrackerServerMessage{Kind: PeerIdAssigned, Peer: peer}
}

func NewRequestOffer(peer peerid.PeerId, fp filemeta.Fingerprint) TrackerServerMessage {
	return TrackerServerMessage{Kind: RequestOffer, Peer: peer, Fingerprint: fp}
}

func NewPeerOffer(peer peerid.PeerId, sdp string) TrackerServerMessage {
	return TrackerServerMessage{Kind: PeerOffer, Peer: peer, SDP: sdp}
}

func NewPeerAnswer(peer peerid.PeerId, sdp string) TrackerServerMessage {
	return TrackerServerMessage{Kind: PeerAnswer, Peer: peer, SDP: sdp}
}

func NewPeerIceCandidate(peer peerid.PeerId, candidate string) TrackerServerMessage {
	return TrackerServerMessage{Kind: PeerIceCandidate, Peer: peer, Candidate: candidate}
}

func NewPeerAllIceCandidatesSent(peer peerid.PeerId) TrackerServerMessage {
	return TrackerServerMessage{Kind: PeerAllIceCandidatesSent, Peer: peer}
}

func (m TrackerServerMessage) MarshalBinary() ([]byte, error) {
	var w Writer
	w.PutUint8(uint8(m.Kind))
	switch m.Kind {
	case PeerIdAssigned:
		w.PutPeerId(m.Peer)
	case RequestOffer:
		w.PutPeerId(m.Peer)
		w.PutFingerprint(m.Fingerprint)
	case PeerOffer, PeerAnswer:
		w.PutPeerId(m.Peer)
		w.PutString(m.SDP)
	case PeerIceCandidate:
		w.PutPeerId(m.Peer)
		w.PutString(m.Candidate)
	case PeerAllIceCandidatesSent:
		w.PutPeerId(m.Peer)
	default:
		return nil, fmt.Errorf("wire: marshal %v: %w", m.Kind, ErrUnknownKind)
	}
	return w.Bytes(), nil
}

func (m *TrackerServerMessage) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	kind, err := r.Uint8()
	if err != nil {
		return err
	}
	m.Kind = TrackerServerKind(kind)

	switch m.Kind {
	case PeerIdAssigned, PeerAllIceCandidatesSent:
		m.Peer, err = r.PeerId()
	case RequestOffer:
		if m.Peer, err = r.PeerId(); err != nil {
			return err
		}
		m.Fingerprint, err = r.Fingerprint()
	case PeerOffer, PeerAnswer:
		if m.Peer, err = r.PeerId(); err != nil {
			return err
		}
		m.SDP, err = r.String()
	case PeerIceCandidate:
		if m.Peer, err = r.PeerId(); err != nil {
			return err
		}
		m.Candidate, err = r.String()
	default:
		return fmt.Errorf("wire: unmarshal kind %d: %w", kind, ErrUnknownKind)
	}
	return err
}

// PeerKind enumerates peer<->peer messages carried over a PeerLink,
// routed to a SharedFile by Fingerprint (spec.md §4.7).
type PeerKind uint8

const (
	FileMissing PeerKind = iota
	FileComplete
	FileState
	FileStateReceived
	FilePiece
	FilePiecesReceived
	FileRemoved
)

func (k PeerKind) String() string {
	switch k {
	case FileMissing:
		return "FileMissing"
	case FileComplete:
		return "FileComplete"
	case FileState:
		return "FileState"
	case FileStateReceived:
		return "FileStateReceived"
	case FilePiece:
		return "FilePiece"
	case FilePiecesReceived:
		return "FilePiecesReceived"
	case FileRemoved:
		return "FileRemoved"
	default:
		return fmt.Sprintf("PeerKind(%d)", uint8(k))
	}
}

// PeerMessage is one frame exchanged directly between two peers.
type PeerMessage struct {
	Kind         PeerKind
	Fingerprint  filemeta.Fingerprint
	Bitmap       *bitmap.Bitmap // FileState
	PieceIndex   uint32         // FilePiece
	PieceBytes   []byte         // FilePiece
	PieceIndices []uint32       // FilePiecesReceived
}

func NewFileMissing(fp filemeta.Fingerprint) PeerMessage {
	return PeerMessage{Kind: FileMissing, Fingerprint: fp}
}

func NewFileComplete(fp filemeta.Fingerprint) PeerMessage {
	return PeerMessage{Kind: FileComplete, Fingerprint: fp}
}

func NewFileState(fp filemeta.Fingerprint, bm *bitmap.Bitmap) PeerMessage {
	return PeerMessage{Kind: FileState, Fingerprint: fp, Bitmap: bm}
}

func NewFileStateReceived(fp filemeta.Fingerprint) PeerMessage {
	return PeerMessage{Kind: FileStateReceived, Fingerprint: fp}
}

func NewFilePiece(fp filemeta.Fingerprint, index uint32, data []byte) PeerMessage {
	return PeerMessage{Kind: FilePiece, Fingerprint: fp, PieceIndex: index, PieceBytes: data}
}

func NewFilePiecesReceived(fp filemeta.Fingerprint, indices []uint32) PeerMessage {
	return PeerMessage{Kind: FilePiecesReceived, Fingerprint: fp, PieceIndices: indices}
}

func NewFileRemoved(fp filemeta.Fingerprint) PeerMessage {
	return PeerMessage{Kind: FileRemoved, Fingerprint: fp}
}

func (m PeerMessage) MarshalBinary() ([]byte, error) {
	var w Writer
	w.PutUint8(uint8(m.Kind))
	w.PutFingerprint(m.Fingerprint)

	switch m.Kind {
	case FileMissing, FileComplete, FileStateReceived, FileRemoved:
		// fingerprint only
	case FileState:
		w.PutBitmap(m.Bitmap)
	case FilePiece:
		w.PutUint32(m.PieceIndex)
		w.PutBytes(m.PieceBytes)
	case FilePiecesReceived:
		w.PutUint32Slice(m.PieceIndices)
	default:
		return nil, fmt.Errorf("wire: marshal %v: %w", m.Kind, ErrUnknownKind)
	}
	return w.Bytes(), nil
}

func (m *PeerMessage) UnmarshalBinary(data []byte) error {
	r := NewReader(data)
	kind, err := r.Uint8()
	if err != nil {
		return err
	}
	m.Kind = PeerKind(kind)

	if m.Fingerprint, err = r.Fingerprint(); err != nil {
		return err
	}

	switch m.Kind {
	case FileMissing, FileComplete, FileStateReceived, FileRemoved:
		// fingerprint only
	case FileState:
		m.Bitmap, err = r.Bitmap()
	case FilePiece:
		if m.PieceIndex, err = r.Uint32(); err != nil {
			return err
		}
		m.PieceBytes, err = r.Bytes()
	case FilePiecesReceived:
		m.PieceIndices, err = r.Uint32Slice()
	default:
		return fmt.Errorf("wire: unmarshal kind %d: %w", kind, ErrUnknownKind)
	}
	return err
}
