package senderloop

import (
	"testing"
	"time"

	"github.com/rabbitshare/rabbitshare/internal/filemeta"
	"github.com/rabbitshare/rabbitshare/internal/filestore"
	"github.com/rabbitshare/rabbitshare/internal/peerid"
	"github.com/rabbitshare/rabbitshare/internal/peerlink"
	"github.com/rabbitshare/rabbitshare/internal/selector"
	"github.com/rabbitshare/rabbitshare/internal/sharedfile"
	"github.com/rabbitshare/rabbitshare/internal/swarmpeer"
	"github.com/rabbitshare/rabbitshare/internal/transport"
	"github.com/rabbitshare/rabbitshare/internal/wire"
)

type noopTracker struct{}

func (noopTracker) Send(wire.TrackerClientMessage) error { return nil }

func rejectingLinkFactory(peer peerid.PeerId, role peerlink.Role) (*peerlink.PeerLink, error) {
	panic("test never expects swarmpeer to dial a new link itself")
}

func newCompleteFile(t *testing.T, numPieces int, fp filemeta.Fingerprint) *sharedfile.SharedFile {
	t.Helper()
	meta, err := filemeta.New(fp, "f.bin", uint64(numPieces)*filemeta.PieceSize)
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
	return sharedfile.New(store)
}

func newEmptyFile(t *testing.T, numPieces int, fp filemeta.Fingerprint) *sharedfile.SharedFile {
	t.Helper()
	meta, err := filemeta.New(fp, "f.bin", uint64(numPieces)*filemeta.PieceSize)
	if err != nil {
		t.Fatal(err)
	}
	store, err := filestore.New(meta)
	if err != nil {
		t.Fatal(err)
	}
	return sharedfile.New(store)
}

// TestSingleReceiverReplicatesToCompletion wires one seeder and one leecher
// SwarmPeer/Loop pair over an in-memory PeerLink and drives ticks until the
// leecher's local bitmap is all-ones, matching spec.md §8 scenario 1.
func TestSingleReceiverReplicatesToCompletion(t *testing.T) {
	const numPieces = 8
	fp := filemeta.Fingerprint{0xAB}

	seederPeerID := peerid.PeerId(1)
	leecherPeerID := peerid.PeerId(2)

	seederFile := newCompleteFile(t, numPieces, fp)
	leecherFile := newEmptyFile(t, numPieces, fp)

	seederSwarm := swarmpeer.New(nil, noopTracker{}, rejectingLinkFactory, swarmpeer.Hooks{})
	leecherSwarm := swarmpeer.New(nil, noopTracker{}, rejectingLinkFactory, swarmpeer.Hooks{})

	if err := seederSwarm.AddFile(fp, seederFile); err != nil {
		t.Fatal(err)
	}
	if err := leecherSwarm.AddFile(fp, leecherFile); err != nil {
		t.Fatal(err)
	}

	a, b := transport.NewMemoryPair(transport.NoLoss{})
	seederSide := peerlink.New(leecherPeerID, peerlink.Offering, a, peerlink.Opts{
		OnMessage: seederSwarm.HandlePeerMessage,
	})
	leecherSide := peerlink.New(seederPeerID, peerlink.Answering, b, peerlink.Opts{
		OnMessage: leecherSwarm.HandlePeerMessage,
	})
	seederSide.SetLocalDescription()
	seederSide.MarkOfferSent()
	leecherSide.SetRemoteDescription()
	leecherSide.SetLocalDescription()
	seederSide.SetRemoteDescription()
	leecherSide.MarkAnswerSent()

	seederSwarm.AttachLink(leecherPeerID, seederSide)
	leecherSwarm.AttachLink(seederPeerID, leecherSide)

	if err := seederFile.AddPeer(leecherPeerID); err != nil {
		t.Fatal(err)
	}
	if err := leecherFile.AddPeer(seederPeerID); err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		TickInterval:        time.Second,
		StateResendInterval: 5 * time.Second,
		PieceResendInterval: 10 * time.Second,
		PiecesPerTick:       numPieces,
	}
	seederLoop := New(nil, seederSwarm, selector.New(selector.DefaultRandomSource{}), cfg)
	leecherLoop := New(nil, leecherSwarm, selector.New(selector.DefaultRandomSource{}), cfg)

	for tick := sharedfile.Time(1); tick <= 10; tick++ {
		seederLoop.RunOnce(tick)
		leecherLoop.RunOnce(tick)
	}

	local := leecherFile.LocalSnapshot()
	if local.CountOnes() != numPieces {
		t.Fatalf("leecher has %d/%d pieces after 10 ticks", local.CountOnes(), numPieces)
	}
}

func TestRunOnceIsANoOpWithNoFiles(t *testing.T) {
	sp := swarmpeer.New(nil, noopTracker{}, rejectingLinkFactory, swarmpeer.Hooks{})
	loop := New(nil, sp, selector.New(selector.DefaultRandomSource{}), Config{
		TickInterval:  time.Second,
		PiecesPerTick: 4,
	})
	loop.RunOnce(1) // must not panic on an empty swarm
}

// TestOnPieceSentFiresOncePerSuccessfulSend wires the same seeder/leecher
// pair as TestSingleReceiverReplicatesToCompletion but only drives the
// seeder's loop (the leecher's empty state is recorded on the seeder's file
// directly), and asserts Config.OnPieceSent observes exactly the pieces
// that actually left the wire.
func TestOnPieceSentFiresOncePerSuccessfulSend(t *testing.T) {
	const numPieces = 4
	fp := filemeta.Fingerprint{0xCD}

	seederPeerID := peerid.PeerId(1)
	leecherPeerID := peerid.PeerId(2)

	seederFile := newCompleteFile(t, numPieces, fp)
	leecherFile := newEmptyFile(t, numPieces, fp)

	seederSwarm := swarmpeer.New(nil, noopTracker{}, rejectingLinkFactory, swarmpeer.Hooks{})
	leecherSwarm := swarmpeer.New(nil, noopTracker{}, rejectingLinkFactory, swarmpeer.Hooks{})

	if err := seederSwarm.AddFile(fp, seederFile); err != nil {
		t.Fatal(err)
	}
	if err := leecherSwarm.AddFile(fp, leecherFile); err != nil {
		t.Fatal(err)
	}

	a, b := transport.NewMemoryPair(transport.NoLoss{})
	seederSide := peerlink.New(leecherPeerID, peerlink.Offering, a, peerlink.Opts{
		OnMessage: seederSwarm.HandlePeerMessage,
	})
	leecherSide := peerlink.New(seederPeerID, peerlink.Answering, b, peerlink.Opts{
		OnMessage: leecherSwarm.HandlePeerMessage,
	})
	seederSide.SetLocalDescription()
	seederSide.MarkOfferSent()
	leecherSide.SetRemoteDescription()
	leecherSide.SetLocalDescription()
	seederSide.SetRemoteDescription()
	leecherSide.MarkAnswerSent()

	seederSwarm.AttachLink(leecherPeerID, seederSide)
	leecherSwarm.AttachLink(seederPeerID, leecherSide)

	if err := seederFile.AddPeer(leecherPeerID); err != nil {
		t.Fatal(err)
	}
	if err := leecherFile.AddPeer(seederPeerID); err != nil {
		t.Fatal(err)
	}
	// The leecher's loop never runs, so its FileMissing never reaches the
	// seeder; without a peer state the seeder has nothing to send.
	if err := seederFile.SetPeerFileMissing(leecherPeerID); err != nil {
		t.Fatal(err)
	}

	var sent int
	var bytesSent int
	cfg := Config{
		TickInterval:        time.Second,
		StateResendInterval: 5 * time.Second,
		PieceResendInterval: 10 * time.Second,
		PiecesPerTick:       numPieces,
		OnPieceSent: func(peer peerid.PeerId, file filemeta.Fingerprint, n int) {
			if peer != leecherPeerID || file != fp {
				t.Errorf("unexpected OnPieceSent args: peer=%v file=%v", peer, file)
			}
			sent++
			bytesSent += n
		},
	}
	seederLoop := New(nil, seederSwarm, selector.New(selector.DefaultRandomSource{}), cfg)
	seederLoop.RunOnce(1)

	if sent != numPieces {
		t.Fatalf("OnPieceSent fired %d times, want %d", sent, numPieces)
	}
	if bytesSent != numPieces*filemeta.PieceSize {
		t.Fatalf("OnPieceSent total bytes = %d, want %d", bytesSent, numPieces*filemeta.PieceSize)
	}
}
