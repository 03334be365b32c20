// Package filemeta defines FileMetadata, the immutable identity of a shared
// file, and the piece-sizing arithmetic every other component derives from
// it. Grounded on the teacher's internal/piece piece-sizing helpers
// (PieceCount, LastPieceLength, PieceLengthAt), generalized from a
// per-torrent configurable piece length to this spec's fixed compile-time
// PIECE_SIZE.
package filemeta

import (
	"crypto/sha256"
	"errors"
)

// PieceSize is the fixed size of every piece but the last, one MTU payload.
const PieceSize = 1024

// FingerprintSize is the byte length of a FileFingerprint (SHA-256).
const FingerprintSize = sha256.Size

var (
	ErrIndexOutOfRange = errors.New("filemeta: piece index out of range")
	ErrFileTooLarge    = errors.New("filemeta: length exceeds representable piece count")
)

// Fingerprint is the SHA-256 of a file's complete concatenated bytes: its
// identity across the swarm.
type Fingerprint [FingerprintSize]byte

// Metadata is immutable after creation.
type Metadata struct {
	Fingerprint Fingerprint
	Name        string
	LengthBytes uint64
}

// New validates and constructs a Metadata value.
func New(fingerprint Fingerprint, name string, lengthBytes uint64) (Metadata, error) {
	m := Metadata{Fingerprint: fingerprint, Name: name, LengthBytes: lengthBytes}
	if _, err := m.PieceCount(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// FromCompleteBytes computes the fingerprint of data and returns the
// resulting Metadata.
func FromCompleteBytes(name string, data []byte) (Metadata, error) {
	return New(Fingerprint(sha256.Sum256(data)), name, uint64(len(data)))
}

// PieceCount returns ceil(LengthBytes / PieceSize), failing ErrFileTooLarge
// if the result would overflow a platform int.
func (m Metadata) PieceCount() (int, error) {
	if m.LengthBytes == 0 {
		return 0, nil
	}

	n := (m.LengthBytes + PieceSize - 1) / PieceSize
	if n > uint64(^uint(0)>>1) {
		return 0, ErrFileTooLarge
	}
	return int(n), nil
}

// PieceLengthAt returns the exact byte length of piece index: PieceSize for
// every piece but the last, whose length is LengthBytes - PieceSize*(n-1).
func (m Metadata) PieceLengthAt(index int) (int, error) {
	count, err := m.PieceCount()
	if err != nil {
		return 0, err
	}
	if index < 0 || index >= count {
		return 0, ErrIndexOutOfRange
	}

	if index < count-1 {
		return PieceSize, nil
	}
	return int(m.LengthBytes - PieceSize*uint64(count-1)), nil
}
