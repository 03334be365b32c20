// Package sharedfile implements SharedFile, the central per-file state
// machine: it owns a FileStore, tracks what every remote peer confirmed or
// possibly has, keeps a rarest-first PieceQueues, and schedules resends.
//
// Grounded on the teacher's internal/scheduler.PieceScheduler and
// internal/peer.Swarm bookkeeping style (mutex-guarded struct, per-peer map
// plus an ordered slice for stride indexing); the select-a-peer stride
// formula and the attach/detach truth table are taken from
// original_source/peer/src/shared_file.rs, which resolves ambiguity the
// distilled spec leaves implicit.
package sharedfile

import (
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/rabbitshare/rabbitshare/internal/bitmap"
	"github.com/rabbitshare/rabbitshare/internal/peerid"
	"github.com/rabbitshare/rabbitshare/internal/piecequeue"
)

// Time is the abstract, strictly-ordered send-time value SharedFile sorts
// sent_pieces by. SenderLoop feeds it its tick counter.
type Time = int64

var (
	ErrPeerAlreadyAdded     = errors.New("sharedfile: peer already added")
	ErrPeerNotPresent       = errors.New("sharedfile: peer not present")
	ErrPeerAlreadyHasState  = errors.New("sharedfile: peer already has state")
	ErrPeerStateNotPresent  = errors.New("sharedfile: peer state not present")
	ErrInvalidStateLength   = errors.New("sharedfile: peer state length mismatch")
	ErrPieceIndexOutOfRange = errors.New("sharedfile: piece index out of range")
	ErrPieceAlreadyOwned    = errors.New("sharedfile: piece already owned by every peer")
	ErrPieceAlreadySet      = errors.New("sharedfile: piece already set locally")
	ErrNoPeerWithState      = errors.New("sharedfile: no peer has state")
)

// MarkStatus is returned by MarkPeerPieceReceived.
type MarkStatus int

const (
	JustMarked MarkStatus = iota
	AlreadyMarked
)

// ResendMarkStatus is returned by MarkForResendIfNotReceived.
type ResendMarkStatus int

const (
	ResendReceived ResendMarkStatus = iota
	ResendJustMarked
	ResendAlreadyMarked
)

// LocalStateKind is the broadcast status of our own bitmap towards one peer.
type LocalStateKind int

const (
	NotSent LocalStateKind = iota
	Sent
	Received
)

// LocalStateStatus pairs a LocalStateKind with the send time, valid only
// when Kind == Sent.
type LocalStateStatus struct {
	Kind   LocalStateKind
	SentAt Time
}

type peerView struct {
	confirmed *bitmap.Bitmap
	possible  *bitmap.Bitmap
}

type peerEntry struct {
	hasState    bool
	peerIdx     int
	view        peerView
	localStatus LocalStateStatus
}

type sentEntry struct {
	peer  peerid.PeerId
	piece int
}

// Store is the storage collaborator SharedFile wraps: the surface
// internal/filestore.Store exposes, kept as an interface so tests can
// substitute a fake without a chunked byte array.
type Store interface {
	PieceCount() int
	HasPiece(index int) (bool, error)
	SetPiece(index int, data []byte) (bitmap.SetStatus, error)
	GetPiece(index int) ([]byte, bool, error)
	LocalBitmap() *bitmap.Bitmap
}

// SharedFile is the replication state machine for exactly one file.
// Exported methods serialize on its own mutex internally, except Queues and
// the *Locked variants, whose callers must hold it (see Lock/Unlock).
type SharedFile struct {
	mu sync.Mutex

	store      Store
	numPieces  int
	confirmed  *bitmap.Bitmap // AND of every peer's confirmed bitmap (all-ones with no peers)
	peers      map[peerid.PeerId]*peerEntry
	peersOrder []peerid.PeerId
	queues     *piecequeue.Queues

	sentPieces map[Time][]sentEntry
	sentTimes  []Time

	recentlyAdded []int
}

// New wraps store in a fresh SharedFile with no peers.
func New(store Store) *SharedFile {
	n := store.PieceCount()
	return &SharedFile{
		store:      store,
		numPieces:  n,
		confirmed:  bitmap.AllOnes(n),
		peers:      make(map[peerid.PeerId]*peerEntry),
		queues:     piecequeue.New(n),
		sentPieces: make(map[Time][]sentEntry),
	}
}

// NumPieces returns the piece count of the underlying file.
func (sf *SharedFile) NumPieces() int { return sf.numPieces }

// RemoteState returns a clone of the AND of every attached peer's confirmed
// bitmap.
func (sf *SharedFile) RemoteState() *bitmap.Bitmap {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	return sf.confirmed.Clone()
}

// PieceBytes fetches the bytes of a locally-held piece, for SenderLoop to
// wrap in a FilePiece message. Returns ok=false if we don't have it.
func (sf *SharedFile) PieceBytes(index int) (data []byte, ok bool, err error) {
	return sf.store.GetPiece(index)
}

// LocalSnapshot returns a clone of what we locally hold of this file, for
// SenderLoop to wrap in FileMissing/FileComplete/FileState.
func (sf *SharedFile) LocalSnapshot() *bitmap.Bitmap {
	return sf.store.LocalBitmap()
}

// Queues exposes the rarest-first bucket structure for PieceSelector.
// piecequeue.Queues is not safe for concurrent use; a caller reading it
// (NextQueue in particular, whose result "must not be retained past the
// next mutation") must hold sf's lock for the duration, per Lock/Unlock
// below.
func (sf *SharedFile) Queues() *piecequeue.Queues {
	return sf.queues
}

// Lock/Unlock let PieceSelector hold the lock across a read of Queues and a
// subsequent SelectPiecePeerLocked/NumPeersWithStateLocked call on this
// file, so neither races against AddLocalPiece/attachPeerState/
// removePeerState mutating the same queues under sf.mu.
func (sf *SharedFile) Lock()   { sf.mu.Lock() }
func (sf *SharedFile) Unlock() { sf.mu.Unlock() }

// HasPeer reports whether id has been added (with or without state).
func (sf *SharedFile) HasPeer(id peerid.PeerId) bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	_, ok := sf.peers[id]
	return ok
}

// PeerIDs returns every peer id added to this file, in no particular order.
func (sf *SharedFile) PeerIDs() []peerid.PeerId {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	out := make([]peerid.PeerId, 0, len(sf.peers))
	for id := range sf.peers {
		out = append(out, id)
	}
	return out
}

// NumPeersWithState returns the count of peers with an attached bitmap.
func (sf *SharedFile) NumPeersWithState() int {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	return sf.numPeersWithStateLocked()
}

// numPeersWithStateLocked is NumPeersWithState's body without locking;
// callers must already hold sf's lock.
func (sf *SharedFile) numPeersWithStateLocked() int {
	return len(sf.peersOrder)
}

// NumPeersWithStateLocked is NumPeersWithState for a caller that already
// holds sf's lock (see Lock/Unlock), as PieceSelector does across a Queues
// read and a subsequent SelectPiecePeerLocked call.
func (sf *SharedFile) NumPeersWithStateLocked() int {
	return sf.numPeersWithStateLocked()
}

// AddPeer adds id with neither state nor ownership.
func (sf *SharedFile) AddPeer(id peerid.PeerId) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if _, ok := sf.peers[id]; ok {
		return ErrPeerAlreadyAdded
	}
	sf.peers[id] = &peerEntry{localStatus: LocalStateStatus{Kind: NotSent}}
	return nil
}

// attachPeerState implements the insert-side of the attach/detach truth
// table; it must be called while sf.mu is held.
func (sf *SharedFile) attachPeerState(id peerid.PeerId, bm *bitmap.Bitmap) error {
	entry, ok := sf.peers[id]
	if !ok {
		return ErrPeerNotPresent
	}
	if entry.hasState {
		return ErrPeerAlreadyHasState
	}
	if bm.Len() != sf.numPieces {
		return ErrInvalidStateLength
	}

	priorCount := len(sf.peersOrder)
	for i := 0; i < sf.numPieces; i++ {
		local, _ := sf.store.HasPiece(i)
		remote, _ := sf.confirmed.Get(i)
		newHas, _ := bm.Get(i)

		switch {
		case local && remote && !newHas:
			sf.queues.Insert(i, piecequeue.Status{PossibleOwners: priorCount, ConfirmedOwners: priorCount})
		case local && !remote && newHas:
			st, err := sf.queues.Remove(i)
			if err == nil {
				st.PossibleOwners++
				st.ConfirmedOwners++
				sf.queues.Insert(i, st)
			}
		}
	}

	sf.confirmed.AndAssign(bm)
	sf.peersOrder = append(sf.peersOrder, id)
	entry.peerIdx = len(sf.peersOrder) - 1
	entry.hasState = true
	entry.view = peerView{confirmed: bm.Clone(), possible: bm.Clone()}
	return nil
}

// removePeerState implements the remove-side of the truth table. Reports
// whether the peer had state to detach; must be called while sf.mu is held.
func (sf *SharedFile) removePeerState(id peerid.PeerId) (bool, error) {
	entry, ok := sf.peers[id]
	if !ok {
		return false, ErrPeerNotPresent
	}
	if !entry.hasState {
		return false, nil
	}

	peerConfirmed := entry.view.confirmed
	// The table is evaluated against the AND of every other peer's confirmed
	// bitmap: the same prior state attachPeerState saw for this peer.
	others := bitmap.AllOnes(sf.numPieces)
	for _, pid := range sf.peersOrder {
		if pid != id {
			others.AndAssign(sf.peers[pid].view.confirmed)
		}
	}
	for i := 0; i < sf.numPieces; i++ {
		local, _ := sf.store.HasPiece(i)
		remote, _ := others.Get(i)
		peerHad, _ := peerConfirmed.Get(i)

		switch {
		case local && remote && !peerHad:
			sf.queues.Remove(i)
		case local && !remote && peerHad:
			st, err := sf.queues.Remove(i)
			if err == nil {
				st.PossibleOwners--
				st.ConfirmedOwners--
				sf.queues.Insert(i, st)
			}
		}
	}

	idx := entry.peerIdx
	last := len(sf.peersOrder) - 1
	sf.peersOrder[idx] = sf.peersOrder[last]
	if sf.peersOrder[idx] != id {
		sf.peers[sf.peersOrder[idx]].peerIdx = idx
	}
	sf.peersOrder = sf.peersOrder[:last]

	entry.hasState = false
	entry.view = peerView{}

	sf.recomputeConfirmed()
	sf.purgeSentPiecesForPeer(id)

	return true, nil
}

func (sf *SharedFile) recomputeConfirmed() {
	result := bitmap.AllOnes(sf.numPieces)
	for _, id := range sf.peersOrder {
		result.AndAssign(sf.peers[id].view.confirmed)
	}
	sf.confirmed = result
}

func (sf *SharedFile) purgeSentPiecesForPeer(id peerid.PeerId) {
	remainingTimes := sf.sentTimes[:0:0]
	for _, t := range sf.sentTimes {
		entries := sf.sentPieces[t]
		filtered := entries[:0]
		for _, e := range entries {
			if e.peer != id {
				filtered = append(filtered, e)
			}
		}
		if len(filtered) == 0 {
			delete(sf.sentPieces, t)
		} else {
			sf.sentPieces[t] = filtered
			remainingTimes = append(remainingTimes, t)
		}
	}
	sf.sentTimes = remainingTimes
}

// SetPeerState replaces id's bitmap: detach-then-attach, idempotent. A
// bitmap of the wrong length is rejected before id's current state is
// touched.
func (sf *SharedFile) SetPeerState(id peerid.PeerId, bm *bitmap.Bitmap) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if _, ok := sf.peers[id]; !ok {
		return ErrPeerNotPresent
	}
	if bm.Len() != sf.numPieces {
		return ErrInvalidStateLength
	}
	if _, err := sf.removePeerState(id); err != nil {
		return err
	}
	return sf.attachPeerState(id, bm)
}

// SetPeerFileMissing sets id's bitmap to all-zeros.
func (sf *SharedFile) SetPeerFileMissing(id peerid.PeerId) error {
	return sf.SetPeerState(id, bitmap.New(sf.numPieces))
}

// SetPeerFileComplete sets id's bitmap to all-ones.
func (sf *SharedFile) SetPeerFileComplete(id peerid.PeerId) error {
	return sf.SetPeerState(id, bitmap.AllOnes(sf.numPieces))
}

// RemovePeer detaches state if present, then forgets the peer entirely.
func (sf *SharedFile) RemovePeer(id peerid.PeerId) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if _, ok := sf.peers[id]; !ok {
		return ErrPeerNotPresent
	}
	if _, err := sf.removePeerState(id); err != nil {
		return err
	}
	delete(sf.peers, id)
	return nil
}

func (sf *SharedFile) countConfirmedOwners(piece int) int {
	n := 0
	for _, entry := range sf.peers {
		if !entry.hasState {
			continue
		}
		if has, _ := entry.view.confirmed.Get(piece); has {
			n++
		}
	}
	return n
}

func (sf *SharedFile) countPossibleOwners(piece int) int {
	n := 0
	for _, entry := range sf.peers {
		if !entry.hasState {
			continue
		}
		if has, _ := entry.view.possible.Get(piece); has {
			n++
		}
	}
	return n
}

// AddLocalPiece writes piece i to the FileStore. If this is the piece's
// first arrival, it is queued onto recentlyAdded for broadcast as an
// acknowledgement, and, unless every current peer already confirms it,
// inserted into PieceQueues as sharable.
func (sf *SharedFile) AddLocalPiece(i int, data []byte) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	status, err := sf.store.SetPiece(i, data)
	if err != nil {
		return err
	}
	if status == bitmap.AlreadySet {
		return ErrPieceAlreadySet
	}

	sf.recentlyAdded = append(sf.recentlyAdded, i)

	confirmedOwners := sf.countConfirmedOwners(i)
	if confirmedOwners == len(sf.peers) {
		return nil
	}

	possibleOwners := sf.countPossibleOwners(i)
	sf.queues.Insert(i, piecequeue.Status{PossibleOwners: possibleOwners, ConfirmedOwners: confirmedOwners})
	return nil
}

func hash64(piece int) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(piece))
	return xxhash.Sum64(buf[:])
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// SelectPiecePeer picks the next peer to send piece to using a deterministic
// pseudo-random stride over peersOrder (seeded by hash64(piece)), starting
// at the piece's stored peer_shift. The first probed peer that doesn't
// already have possible[piece] set wins; ErrPieceAlreadyOwned if every peer
// does.
func (sf *SharedFile) SelectPiecePeer(piece int, now Time) (peerid.PeerId, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	return sf.SelectPiecePeerLocked(piece, now)
}

// SelectPiecePeerLocked is SelectPiecePeer's body without locking. Callers
// must already hold sf's lock (see Lock/Unlock), as PieceSelector does
// across a Queues read and this call.
func (sf *SharedFile) SelectPiecePeerLocked(piece int, now Time) (peerid.PeerId, error) {
	if piece < 0 || piece >= sf.numPieces {
		return 0, ErrPieceIndexOutOfRange
	}
	numPeers := len(sf.peersOrder)
	if numPeers == 0 {
		return 0, ErrNoPeerWithState
	}

	st, err := sf.queues.Get(piece)
	if err != nil {
		return 0, ErrPieceAlreadyOwned
	}
	sf.queues.Remove(piece)

	h := hash64(piece)
	mult := int((h>>32)%uint64(maxInt(numPeers-1, 1))) + 1
	offset := int(h & 0xFFFFFFFF)
	stride := func(shift int) int { return (mult * (offset + shift)) % numPeers }

	for shift := st.PeerShift; shift < st.PeerShift+numPeers; shift++ {
		idx := stride(shift)
		pid := sf.peersOrder[idx]
		entry := sf.peers[pid]

		setStatus, err := entry.view.possible.Set(piece)
		if err != nil {
			return 0, err
		}
		if setStatus == bitmap.JustSet {
			st.PossibleOwners++
			st.PeerShift = (shift + 1) % numPeers
			sf.queues.Insert(piece, st)
			sf.recordSent(now, pid, piece)
			return pid, nil
		}
	}

	return 0, ErrPieceAlreadyOwned
}

func (sf *SharedFile) recordSent(now Time, id peerid.PeerId, piece int) {
	if _, ok := sf.sentPieces[now]; !ok {
		idx := sort.Search(len(sf.sentTimes), func(i int) bool { return sf.sentTimes[i] >= now })
		sf.sentTimes = append(sf.sentTimes, 0)
		copy(sf.sentTimes[idx+1:], sf.sentTimes[idx:])
		sf.sentTimes[idx] = now
	}
	sf.sentPieces[now] = append(sf.sentPieces[now], sentEntry{peer: id, piece: piece})
}

func (sf *SharedFile) peerStateEntry(id peerid.PeerId, piece int) (*peerEntry, error) {
	if piece < 0 || piece >= sf.numPieces {
		return nil, ErrPieceIndexOutOfRange
	}
	entry, ok := sf.peers[id]
	if !ok {
		return nil, ErrPeerNotPresent
	}
	if !entry.hasState {
		return nil, ErrPeerStateNotPresent
	}
	return entry, nil
}

// MarkPeerPieceReceived records that id confirmed receipt of piece.
func (sf *SharedFile) MarkPeerPieceReceived(id peerid.PeerId, piece int) (MarkStatus, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	entry, err := sf.peerStateEntry(id, piece)
	if err != nil {
		return 0, err
	}

	confirmedStatus, err := entry.view.confirmed.Set(piece)
	if err != nil {
		return 0, err
	}
	if confirmedStatus == bitmap.AlreadySet {
		return AlreadyMarked, nil
	}

	possibleStatus, err := entry.view.possible.Set(piece)
	if err != nil {
		return 0, err
	}

	has, err := sf.store.HasPiece(piece)
	if err != nil {
		return 0, err
	}
	if !has {
		return JustMarked, nil
	}

	st, err := sf.queues.Remove(piece)
	if err != nil {
		if errors.Is(err, piecequeue.ErrAbsent) {
			return JustMarked, nil
		}
		return 0, err
	}
	st.ConfirmedOwners++
	if possibleStatus == bitmap.JustSet {
		st.PossibleOwners++
	}
	sf.queues.Insert(piece, st)
	return JustMarked, nil
}

// MarkForResendIfNotReceived unsets id's possible[piece] unless it has
// already confirmed the piece.
func (sf *SharedFile) MarkForResendIfNotReceived(id peerid.PeerId, piece int) (ResendMarkStatus, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	return sf.markForResendLocked(id, piece)
}

func (sf *SharedFile) markForResendLocked(id peerid.PeerId, piece int) (ResendMarkStatus, error) {
	entry, err := sf.peerStateEntry(id, piece)
	if err != nil {
		return 0, err
	}

	has, err := entry.view.confirmed.Get(piece)
	if err != nil {
		return 0, err
	}
	if has {
		return ResendReceived, nil
	}

	unsetStatus, err := entry.view.possible.Unset(piece)
	if err != nil {
		return 0, err
	}
	if unsetStatus == bitmap.AlreadyUnset {
		return ResendAlreadyMarked, nil
	}

	st, err := sf.queues.Remove(piece)
	if err != nil {
		if errors.Is(err, piecequeue.ErrAbsent) {
			return ResendJustMarked, nil
		}
		return 0, err
	}
	st.PossibleOwners--
	sf.queues.Insert(piece, st)
	return ResendJustMarked, nil
}

// MarkPiecesForResendBefore splits sentPieces at cutoff: every entry
// strictly before it is processed through MarkForResendIfNotReceived and
// discarded; at-or-after entries remain pending.
func (sf *SharedFile) MarkPiecesForResendBefore(cutoff Time) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	idx := sort.Search(len(sf.sentTimes), func(i int) bool { return sf.sentTimes[i] >= cutoff })
	expired := append([]Time(nil), sf.sentTimes[:idx]...)
	sf.sentTimes = sf.sentTimes[idx:]

	for _, t := range expired {
		entries := sf.sentPieces[t]
		delete(sf.sentPieces, t)
		for _, e := range entries {
			if _, err := sf.markForResendLocked(e.peer, e.piece); err != nil {
				return err
			}
		}
	}
	return nil
}

// TakeRecentlyAdded atomically drains and returns the recently-added vector.
func (sf *SharedFile) TakeRecentlyAdded() []int {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	out := sf.recentlyAdded
	sf.recentlyAdded = nil
	return out
}

// LocalStateStatusOf returns id's local-state broadcast status.
func (sf *SharedFile) LocalStateStatusOf(id peerid.PeerId) (LocalStateStatus, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	entry, ok := sf.peers[id]
	if !ok {
		return LocalStateStatus{}, ErrPeerNotPresent
	}
	return entry.localStatus, nil
}

// SetLocalStateStatus updates id's local-state broadcast status.
func (sf *SharedFile) SetLocalStateStatus(id peerid.PeerId, status LocalStateStatus) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	entry, ok := sf.peers[id]
	if !ok {
		return ErrPeerNotPresent
	}
	entry.localStatus = status
	return nil
}
