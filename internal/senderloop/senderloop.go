// Package senderloop implements the ordered per-tick replication pump:
// broadcast local state, broadcast recent acknowledgements, reschedule
// stale sends, then push fresh pieces, per spec.md §4.8.
//
// Grounded on internal/scheduler.PieceScheduler.Run's select-based tick
// loop (a time.Ticker driving periodic work alongside an event channel);
// generalized from the teacher's continuous idle-peer scan
// (findWorkForIdlePeers) to this spec's fixed ordered 4-step tick, since
// ordering here is itself an invariant (state before acks before resends
// before sends) rather than an implementation detail.
package senderloop

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rabbitshare/rabbitshare/internal/filemeta"
	"github.com/rabbitshare/rabbitshare/internal/peerid"
	"github.com/rabbitshare/rabbitshare/internal/peerlink"
	"github.com/rabbitshare/rabbitshare/internal/selector"
	"github.com/rabbitshare/rabbitshare/internal/sharedfile"
	"github.com/rabbitshare/rabbitshare/internal/wire"
)

// Config holds the tick-derived parameters from spec.md §6's configuration
// table. StateResendInterval and PieceResendInterval are converted to tick
// counts against TickInterval (truncating); an interval shorter than one
// tick yields zero ticks, which makes every Sent state and every sent piece
// due again on the next tick.
type Config struct {
	TickInterval        time.Duration
	StateResendInterval time.Duration
	PieceResendInterval time.Duration
	PiecesPerTick       int

	// MaxBufferBytes bounds per-link outbound buffering for piece sends.
	// Zero means unbounded (SendBounded's gate is never tripped).
	MaxBufferBytes int

	// OnPieceSent, if non-nil, fires once per piece successfully handed
	// to a link's outbound buffer, for progress reporting (spec.md §7).
	OnPieceSent func(peer peerid.PeerId, file filemeta.Fingerprint, bytes int)
}

func (c Config) stateResendTicks() sharedfile.Time {
	return sharedfile.Time(c.StateResendInterval / c.TickInterval)
}

func (c Config) pieceResendTicks() sharedfile.Time {
	return sharedfile.Time(c.PieceResendInterval / c.TickInterval)
}

func (c Config) maxBufferBytes() int {
	if c.MaxBufferBytes <= 0 {
		return int(^uint(0) >> 1) // effectively unbounded
	}
	return c.MaxBufferBytes
}

// WithDefaultConfig returns spec.md §6's default configuration table:
// tick_interval_seconds=0.1, state_resend_interval_seconds=10,
// piece_resend_interval_seconds=0.5, derived against the default
// upload_bytes_per_second=1_048_576 and max_datachannel_buffer_bytes=
// 2_097_152. Grounded on the teacher's scheduler.WithDefaultConfig
// constructor idiom (exported struct + "WithDefaultConfig" function).
func WithDefaultConfig() *Config {
	const (
		defaultTickInterval    = 100 * time.Millisecond
		defaultUploadBytesPerS = 1_048_576
	)
	return &Config{
		TickInterval:        defaultTickInterval,
		StateResendInterval: 10 * time.Second,
		PieceResendInterval: 500 * time.Millisecond,
		PiecesPerTick:       PiecesPerTick(defaultUploadBytesPerS, defaultTickInterval),
		MaxBufferBytes:      2_097_152,
	}
}

// PiecesPerTick implements spec.md §6's derived formula:
// floor(upload_bytes_per_second * tick_interval_seconds / PIECE_SIZE).
func PiecesPerTick(uploadBytesPerSecond int64, tickInterval time.Duration) int {
	n := (uploadBytesPerSecond * int64(tickInterval)) / int64(time.Second) / filemeta.PieceSize
	if n < 0 {
		return 0
	}
	return int(n)
}

// Swarm is the slice of SwarmPeer's API the loop needs: every live file and
// a link lookup by peer. internal/swarmpeer.SwarmPeer satisfies this.
type Swarm interface {
	Files() []filemeta.Fingerprint
	GetFile(fp filemeta.Fingerprint) (*sharedfile.SharedFile, bool)
	GetLink(id peerid.PeerId) (*peerlink.PeerLink, bool)
}

// Loop drives one Swarm's replication traffic on a fixed tick.
type Loop struct {
	log   *slog.Logger
	swarm Swarm
	sel   *selector.Selector
	cfg   Config
	tick  sharedfile.Time
}

func New(log *slog.Logger, swarm Swarm, sel *selector.Selector, cfg Config) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{log: log.With("src", "senderloop"), swarm: swarm, sel: sel, cfg: cfg}
}

// Run blocks, ticking every cfg.TickInterval, until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.tick++
			l.RunOnce(l.tick)
		}
	}
}

// RunOnce executes the ordered 4-step tick at logical time now. Exported
// so tests (and deterministic harnesses) can drive it without a real
// ticker.
func (l *Loop) RunOnce(now sharedfile.Time) {
	l.broadcastLocalState(now)
	l.broadcastRecentAcks()
	l.markStaleForResend(now)
	l.sendPieces(now)
}

func (l *Loop) broadcastLocalState(now sharedfile.Time) {
	cutoff := now - l.cfg.stateResendTicks()
	for _, fp := range l.swarm.Files() {
		sf, ok := l.swarm.GetFile(fp)
		if !ok {
			continue
		}
		snapshot := sf.LocalSnapshot()
		var msg wire.PeerMessage
		switch {
		case snapshot.CountOnes() == 0:
			msg = wire.NewFileMissing(fp)
		case snapshot.CountOnes() == snapshot.Len():
			msg = wire.NewFileComplete(fp)
		default:
			msg = wire.NewFileState(fp, snapshot)
		}

		for _, peer := range sf.PeerIDs() {
			status, err := sf.LocalStateStatusOf(peer)
			if err != nil {
				continue
			}
			due := status.Kind == sharedfile.NotSent ||
				(status.Kind == sharedfile.Sent && status.SentAt <= cutoff)
			if !due {
				continue
			}

			link, ok := l.swarm.GetLink(peer)
			if !ok || !link.IsOpen() {
				continue
			}
			if err := link.Send(msg); err != nil {
				l.log.Warn("send local state", "peer", peer, "fingerprint", fp, "err", err)
				continue
			}
			if err := sf.SetLocalStateStatus(peer, sharedfile.LocalStateStatus{Kind: sharedfile.Sent, SentAt: now}); err != nil {
				l.log.Warn("SetLocalStateStatus", "peer", peer, "err", err)
			}
		}
	}
}

func (l *Loop) broadcastRecentAcks() {
	for _, fp := range l.swarm.Files() {
		sf, ok := l.swarm.GetFile(fp)
		if !ok {
			continue
		}
		pieces := sf.TakeRecentlyAdded()
		if len(pieces) == 0 {
			continue
		}
		indices := make([]uint32, len(pieces))
		for i, p := range pieces {
			indices[i] = uint32(p)
		}
		msg := wire.NewFilePiecesReceived(fp, indices)

		for _, peer := range sf.PeerIDs() {
			link, ok := l.swarm.GetLink(peer)
			if !ok || !link.IsOpen() {
				continue
			}
			if err := link.Send(msg); err != nil {
				l.log.Warn("send acks", "peer", peer, "fingerprint", fp, "err", err)
			}
		}
	}
}

func (l *Loop) markStaleForResend(now sharedfile.Time) {
	cutoff := now - l.cfg.pieceResendTicks()
	for _, fp := range l.swarm.Files() {
		sf, ok := l.swarm.GetFile(fp)
		if !ok {
			continue
		}
		if err := sf.MarkPiecesForResendBefore(cutoff); err != nil {
			l.log.Warn("MarkPiecesForResendBefore", "fingerprint", fp, "err", err)
		}
	}
}

func (l *Loop) sendPieces(now sharedfile.Time) {
	files := make(map[selector.FileID]*sharedfile.SharedFile, len(l.swarm.Files()))
	for _, fp := range l.swarm.Files() {
		if sf, ok := l.swarm.GetFile(fp); ok {
			files[fp] = sf
		}
	}

	type triple struct {
		peer  peerid.PeerId
		file  filemeta.Fingerprint
		piece int
	}
	batch := make([]triple, 0, l.cfg.PiecesPerTick)
	for len(batch) < l.cfg.PiecesPerTick {
		result, ok, err := l.sel.Next(files, now)
		if err != nil {
			l.log.Warn("selector.Next", "err", err)
			break
		}
		if !ok {
			break
		}
		batch = append(batch, triple{peer: result.Peer, file: result.File, piece: result.Piece})
	}

	fullPeers := make(map[peerid.PeerId]bool)
	maxBuf := l.cfg.maxBufferBytes()
	for _, t := range batch {
		if fullPeers[t.peer] {
			continue
		}
		sf, ok := l.swarm.GetFile(t.file)
		if !ok {
			continue
		}
		data, has, err := sf.PieceBytes(t.piece)
		if err != nil {
			l.log.Warn("PieceBytes", "file", t.file, "piece", t.piece, "err", err)
			continue
		}
		if !has {
			l.log.Warn("selected piece not locally held", "file", t.file, "piece", t.piece)
			continue
		}
		link, ok := l.swarm.GetLink(t.peer)
		if !ok || !link.IsOpen() {
			continue
		}

		msg := wire.NewFilePiece(t.file, uint32(t.piece), data)
		if err := link.SendBounded(msg, maxBuf); err != nil {
			if errors.Is(err, peerlink.ErrBufferFull) {
				fullPeers[t.peer] = true
				continue
			}
			l.log.Warn("send piece", "peer", t.peer, "file", t.file, "piece", t.piece, "err", err)
			continue
		}
		if l.cfg.OnPieceSent != nil {
			l.cfg.OnPieceSent(t.peer, t.file, len(data))
		}
	}
}
