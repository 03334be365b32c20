// Package config holds the top-level defaults a rabbitshare binary is
// constructed from: spec.md §6's configuration table plus the derived
// pieces-per-tick formula, assembled into the senderloop.Config that
// internal/senderloop consumes (the tracker address is read directly).
//
// Grounded on the teacher's pkg/config.Config/defaultConfig() (a flat
// exported struct of tunables plus a constructor function) and
// internal/scheduler.Config/WithDefaultConfig()'s naming idiom, collapsed
// from the teacher's BitTorrent-client-wide tuning surface (piece
// strategy, endgame thresholds, choke slots, rate limiting, DHT/PEX
// toggles — all of which spec.md's Non-goals exclude, since rate-fair
// multi-swarm scheduling and NAT traversal beyond external ICE have no
// home here) down to exactly the six options spec.md §6 names.
package config

import (
	"time"

	"github.com/rabbitshare/rabbitshare/internal/senderloop"
)

// Config is every option recognized at SwarmPeer/SenderLoop construction,
// per spec.md §6.
type Config struct {
	// TrackerAddress is the URL of the signaling tracker.
	TrackerAddress string

	// UploadBytesPerSecond caps outbound piece throughput. Combined with
	// TickInterval it determines PiecesPerTick.
	UploadBytesPerSecond int64

	// MaxDatachannelBufferBytes is the per-link backpressure ceiling
	// SendBounded checks before queuing a piece.
	MaxDatachannelBufferBytes int

	// TickInterval is the SenderLoop period.
	TickInterval time.Duration

	// StateResendInterval is the state re-broadcast cadence.
	StateResendInterval time.Duration

	// PieceResendInterval is the unacked piece resend deadline.
	PieceResendInterval time.Duration
}

// WithDefaultConfig returns spec.md §6's default table verbatim.
func WithDefaultConfig() *Config {
	return &Config{
		TrackerAddress:            "ws://localhost:9010",
		UploadBytesPerSecond:      1_048_576,
		MaxDatachannelBufferBytes: 2_097_152,
		TickInterval:              100 * time.Millisecond,
		StateResendInterval:       10 * time.Second,
		PieceResendInterval:       500 * time.Millisecond,
	}
}

// SenderLoopConfig derives the internal/senderloop.Config this top-level
// Config describes, applying spec.md §6's
// pieces_per_tick = floor(upload_bytes_per_second * tick_interval_seconds
// / PIECE_SIZE) formula.
func (c *Config) SenderLoopConfig() senderloop.Config {
	return senderloop.Config{
		TickInterval:        c.TickInterval,
		StateResendInterval: c.StateResendInterval,
		PieceResendInterval: c.PieceResendInterval,
		PiecesPerTick:       senderloop.PiecesPerTick(c.UploadBytesPerSecond, c.TickInterval),
		MaxBufferBytes:      c.MaxDatachannelBufferBytes,
	}
}
