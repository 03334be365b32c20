// Package selector implements PieceSelector: a cross-file rarest-first
// iterator over a set of SharedFiles.
//
// Grounded on the teacher's scheduler.findWorkForIdlePeers candidate
// pooling, generalized from "one torrent's piece picker" to "pool sharable
// pieces across every attached SharedFile at the global-minimum owner
// count, pick uniformly at random within it." The random source is an
// explicit injected collaborator rather than a package-level generator, per
// spec.md's decision to keep randomness testable.
package selector

import (
	"math/rand/v2"

	"github.com/rabbitshare/rabbitshare/internal/filemeta"
	"github.com/rabbitshare/rabbitshare/internal/peerid"
	"github.com/rabbitshare/rabbitshare/internal/sharedfile"
)

// FileID identifies one SharedFile within the pool; a file's fingerprint is
// a natural, already-unique choice.
type FileID = filemeta.Fingerprint

// RandomSource is the minimal collaborator Selector needs: a uniform
// integer pick in [0, n). math/rand/v2's top-level IntN satisfies it.
type RandomSource interface {
	IntN(n int) int
}

// DefaultRandomSource wraps math/rand/v2's package-level generator.
type DefaultRandomSource struct{}

func (DefaultRandomSource) IntN(n int) int { return rand.IntN(n) }

type candidate struct {
	file  FileID
	piece int
}

// Selector holds the current candidate pool between calls to Next, so a
// burst of picks at the same rarity level doesn't rescan every file each
// time.
type Selector struct {
	rnd  RandomSource
	pool []candidate
}

// New returns a Selector drawing randomness from rnd.
func New(rnd RandomSource) *Selector {
	return &Selector{rnd: rnd}
}

// Result is one yielded (peer, file, piece) triple.
type Result struct {
	Peer  peerid.PeerId
	File  FileID
	Piece int
}

// Next returns the next piece to send and the peer to send it to, or ok ==
// false if no file currently has sharable pieces.
func (s *Selector) Next(files map[FileID]*sharedfile.SharedFile, now sharedfile.Time) (Result, bool, error) {
	if len(s.pool) == 0 {
		s.refill(files)
	}
	if len(s.pool) == 0 {
		return Result{}, false, nil
	}

	idx := s.rnd.IntN(len(s.pool))
	cand := s.pool[idx]
	s.pool[idx] = s.pool[len(s.pool)-1]
	s.pool = s.pool[:len(s.pool)-1]

	sf, ok := files[cand.file]
	if !ok {
		return Result{}, false, nil
	}

	sf.Lock()
	defer sf.Unlock()

	peer, err := sf.SelectPiecePeerLocked(cand.piece, now)
	if err != nil {
		return Result{}, false, err
	}
	return Result{Peer: peer, File: cand.file, Piece: cand.piece}, true, nil
}

// Reset discards the current candidate pool, forcing a rescan on the next
// call to Next. Useful after a caller mutates files out-of-band (peer churn,
// new pieces) and wants the pool reconsidered immediately.
func (s *Selector) Reset() {
	s.pool = nil
}

func (s *Selector) refill(files map[FileID]*sharedfile.SharedFile) {
	minKey := -1
	var atMin []candidate

	for id, sf := range files {
		atMin = refillFromFile(sf, id, &minKey, atMin)
	}

	s.pool = atMin
}

// refillFromFile folds one file's lowest-owner-count bucket into atMin,
// replacing it if key is a new global minimum. It holds sf's lock across
// the Queues read and the candidate copy, since NextQueue's returned slice
// aliases piecequeue state that AddLocalPiece/attachPeerState/
// removePeerState mutate concurrently under the same lock.
func refillFromFile(sf *sharedfile.SharedFile, id FileID, minKey *int, atMin []candidate) []candidate {
	sf.Lock()
	defer sf.Unlock()

	peersWithState := sf.NumPeersWithStateLocked()
	if peersWithState == 0 {
		return atMin
	}

	key, pieces, ok := sf.Queues().NextQueue()
	if !ok || key >= peersWithState {
		return atMin
	}

	switch {
	case *minKey == -1 || key < *minKey:
		*minKey = key
		atMin = atMin[:0]
		for _, p := range pieces {
			atMin = append(atMin, candidate{file: id, piece: p})
		}
	case key == *minKey:
		for _, p := range pieces {
			atMin = append(atMin, candidate{file: id, piece: p})
		}
	}
	return atMin
}
