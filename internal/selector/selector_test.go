package selector

import (
	"sync"
	"testing"

	"github.com/rabbitshare/rabbitshare/internal/bitmap"
	"github.com/rabbitshare/rabbitshare/internal/filemeta"
	"github.com/rabbitshare/rabbitshare/internal/filestore"
	"github.com/rabbitshare/rabbitshare/internal/peerid"
	"github.com/rabbitshare/rabbitshare/internal/sharedfile"
)

// fixedRandom always returns 0, making Next deterministic: it picks
// whichever candidate sits first in the pool.
type fixedRandom struct{}

func (fixedRandom) IntN(int) int { return 0 }

func newFileWithPeer(t *testing.T, tag byte, numPieces int, peer peerid.PeerId) (*sharedfile.SharedFile, FileID) {
	t.Helper()

	meta, err := filemeta.New(filemeta.Fingerprint{byte(numPieces), tag}, "f.bin", uint64(numPieces)*filemeta.PieceSize)
	if err != nil {
		t.Fatal(err)
	}
	store, err := filestore.New(meta)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < numPieces; i++ {
		if _, err := store.SetPiece(i, make([]byte, filemeta.PieceSize)); err != nil {
			t.Fatal(err)
		}
	}

	sf := sharedfile.New(store)
	sf.TakeRecentlyAdded()
	if err := sf.AddPeer(peer); err != nil {
		t.Fatal(err)
	}
	if err := sf.SetPeerState(peer, bitmap.New(numPieces)); err != nil {
		t.Fatal(err)
	}
	return sf, meta.Fingerprint
}

func TestNextReturnsNoneWhenNoFileIsSharable(t *testing.T) {
	sel := New(fixedRandom{})
	result, ok, err := sel.Next(map[FileID]*sharedfile.SharedFile{}, 0)
	if err != nil || ok {
		t.Fatalf("Next() on empty pool = %v, %v, %v", result, ok, err)
	}
}

func TestNextPrefersGlobalMinimumOwnerCount(t *testing.T) {
	peer := peerid.PeerId(1)
	sfA, idA := newFileWithPeer(t, 'A', 2, peer)
	sfB, idB := newFileWithPeer(t, 'B', 2, peer)

	// give every piece in file A a confirmed owner already, so its
	// possible_owners sits at 1 while file B's pieces are still at 0.
	otherPeer := peerid.PeerId(2)
	if err := sfA.AddPeer(otherPeer); err != nil {
		t.Fatal(err)
	}
	if err := sfA.SetPeerState(otherPeer, bitmap.AllOnes(2)); err != nil {
		t.Fatal(err)
	}

	files := map[FileID]*sharedfile.SharedFile{idA: sfA, idB: sfB}
	sel := New(fixedRandom{})

	result, ok, err := sel.Next(files, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("Next() found no candidate")
	}
	if result.File != idB {
		t.Fatalf("Next() picked file %v; want the globally rarest file %v", result.File, idB)
	}
	if result.Peer != peer {
		t.Fatalf("Next() peer = %v; want %v", result.Peer, peer)
	}
}

func TestNextDrainsPoolBeforeRescanning(t *testing.T) {
	peer := peerid.PeerId(1)
	sf, id := newFileWithPeer(t, 0, 3, peer)
	files := map[FileID]*sharedfile.SharedFile{id: sf}
	sel := New(fixedRandom{})

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		result, ok, err := sel.Next(files, sharedfile.Time(i))
		if err != nil || !ok {
			t.Fatalf("Next() iteration %d: %v, %v, %v", i, result, ok, err)
		}
		seen[result.Piece] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct pieces selected, got %d", len(seen))
	}

	if _, ok, _ := sel.Next(files, 10); ok {
		t.Fatalf("every piece is now owned by the sole peer; Next() should report none left")
	}
}

// TestNextSynchronizedAgainstConcurrentPieceArrival drives Next (as
// SenderLoop does, on its own goroutine) against concurrent AddLocalPiece
// calls (as an inbound peer message handler does, on the transport's
// goroutine) on the same SharedFile. It exercises the sf.Lock/Unlock
// contract Next and refill rely on around Queues()/SelectPiecePeerLocked;
// run with -race, it catches a regression to an unsynchronized read.
func TestNextSynchronizedAgainstConcurrentPieceArrival(t *testing.T) {
	const numPieces = 64

	peer := peerid.PeerId(1)
	meta, err := filemeta.New(filemeta.Fingerprint{0xEE}, "f.bin", uint64(numPieces)*filemeta.PieceSize)
	if err != nil {
		t.Fatal(err)
	}
	store, err := filestore.New(meta)
	if err != nil {
		t.Fatal(err)
	}
	sf := sharedfile.New(store)
	if err := sf.AddPeer(peer); err != nil {
		t.Fatal(err)
	}
	if err := sf.SetPeerState(peer, bitmap.New(numPieces)); err != nil {
		t.Fatal(err)
	}

	files := map[FileID]*sharedfile.SharedFile{meta.Fingerprint: sf}
	sel := New(fixedRandom{})

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < numPieces; i++ {
			if err := sf.AddLocalPiece(i, make([]byte, filemeta.PieceSize)); err != nil {
				t.Errorf("AddLocalPiece(%d): %v", i, err)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < numPieces; i++ {
			if _, _, err := sel.Next(files, sharedfile.Time(i)); err != nil {
				t.Errorf("Next() iteration %d: %v", i, err)
			}
		}
	}()

	wg.Wait()
}
