// Package filestore implements FileStore: the chunked byte storage backing
// a single shared file, plus the local piece-ownership bitmap.
//
// Storage is split into fixed ChunkSize allocations to keep any single
// allocation small and avoid reallocation cost while pieces trickle in —
// grounded on the teacher's internal/storage chunk/offset bookkeeping,
// collapsed from "N files at arbitrary offsets in one torrent stream" down
// to this spec's single logical byte array.
package filestore

import (
	"errors"
	"sync"

	"github.com/rabbitshare/rabbitshare/internal/bitmap"
	"github.com/rabbitshare/rabbitshare/internal/filemeta"
)

// ChunkSize is the storage allocation unit; must be a multiple of
// filemeta.PieceSize.
const ChunkSize = 1 << 20 // 1 MiB

func init() {
	if ChunkSize%filemeta.PieceSize != 0 {
		panic("filestore: ChunkSize must be a multiple of filemeta.PieceSize")
	}
}

var (
	ErrIndexOutOfRange = errors.New("filestore: piece index out of range")
	ErrInvalidLength   = errors.New("filestore: invalid piece length")
)

// InvalidLengthError carries the expected length for a rejected SetPiece.
type InvalidLengthError struct {
	Expected int
	Got      int
}

func (e *InvalidLengthError) Error() string {
	return "filestore: invalid piece length"
}

func (e *InvalidLengthError) Unwrap() error { return ErrInvalidLength }

// Store is the mutable byte array of a file plus its local bitmap.
type Store struct {
	mu         sync.RWMutex
	meta       filemeta.Metadata
	pieceCount int
	chunks     [][]byte
	local      *bitmap.Bitmap
}

func piecesPerChunk() int { return ChunkSize / filemeta.PieceSize }

// New allocates zeroed chunks sized from metadata, with an all-zero local
// bitmap.
func New(meta filemeta.Metadata) (*Store, error) {
	count, err := meta.PieceCount()
	if err != nil {
		return nil, err
	}

	numChunks := 0
	if count > 0 {
		numChunks = (count + piecesPerChunk() - 1) / piecesPerChunk()
	}

	chunks := make([][]byte, numChunks)
	remaining := meta.LengthBytes
	for i := range chunks {
		size := uint64(ChunkSize)
		if remaining < size {
			size = remaining
		}
		chunks[i] = make([]byte, size)
		remaining -= size
	}

	return &Store{
		meta:       meta,
		pieceCount: count,
		chunks:     chunks,
		local:      bitmap.New(count),
	}, nil
}

// FromCompleteBytes computes the fingerprint of data, builds metadata, and
// returns a Store with an all-ones local bitmap over the given bytes.
func FromCompleteBytes(name string, data []byte) (*Store, error) {
	meta, err := filemeta.FromCompleteBytes(name, data)
	if err != nil {
		return nil, err
	}

	s, err := New(meta)
	if err != nil {
		return nil, err
	}

	for i := 0; i < s.pieceCount; i++ {
		start, end := s.pieceBounds(i)
		if status, err := s.local.Set(i); err != nil {
			return nil, err
		} else if status == bitmap.JustSet {
			s.writeBytes(start, data[start:end])
		}
	}

	return s, nil
}

func (s *Store) pieceBounds(index int) (start, end int) {
	start = index * filemeta.PieceSize
	length, _ := s.meta.PieceLengthAt(index)
	return start, start + length
}

func (s *Store) chunkFor(offset int) (chunkIdx, chunkOffset int) {
	return offset / ChunkSize, offset % ChunkSize
}

func (s *Store) readBytes(start, end int) []byte {
	out := make([]byte, end-start)
	copy(out, s.sliceRange(start, end))
	return out
}

// sliceRange returns a view into the chunk array; callers must not retain it
// past the lock they hold. Assumes [start,end) never spans two chunks,
// guaranteed by ChunkSize being a multiple of PieceSize.
func (s *Store) sliceRange(start, end int) []byte {
	chunkIdx, chunkOffset := s.chunkFor(start)
	return s.chunks[chunkIdx][chunkOffset : chunkOffset+(end-start)]
}

func (s *Store) writeBytes(start int, data []byte) {
	copy(s.sliceRange(start, start+len(data)), data)
}

// Metadata returns the file's immutable metadata.
func (s *Store) Metadata() filemeta.Metadata { return s.meta }

// PieceCount returns the total number of pieces.
func (s *Store) PieceCount() int { return s.pieceCount }

// LocalBitmap returns a clone of the local piece-ownership bitmap.
func (s *Store) LocalBitmap() *bitmap.Bitmap {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.local.Clone()
}

// HasPiece reports whether piece index is locally present.
func (s *Store) HasPiece(index int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.local.Get(index)
}

// GetPiece returns the bytes of piece index if locally present, or ok ==
// false otherwise. Never fails on an in-range index.
func (s *Store) GetPiece(index int) (data []byte, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	has, err := s.local.Get(index)
	if err != nil {
		return nil, false, err
	}
	if !has {
		return nil, false, nil
	}

	start, end := s.pieceBounds(index)
	return s.readBytes(start, end), true, nil
}

// SetPiece writes data as piece index. Returns JustSet if this write was the
// first for that index (bytes are written) or AlreadySet if the piece was
// already present (bytes are discarded, matching the spec's no-op on
// duplicate FilePiece receipt).
func (s *Store) SetPiece(index int, data []byte) (bitmap.SetStatus, error) {
	if index < 0 || index >= s.pieceCount {
		return 0, ErrIndexOutOfRange
	}

	expected, _ := s.meta.PieceLengthAt(index)
	if len(data) != expected {
		return 0, &InvalidLengthError{Expected: expected, Got: len(data)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.local.Set(index)
	if err != nil {
		return 0, err
	}
	if status == bitmap.JustSet {
		start, _ := s.pieceBounds(index)
		s.writeBytes(start, data)
	}
	return status, nil
}
