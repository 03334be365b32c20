// Package wire implements the single compact binary encoding used by every
// tracker<->peer and peer<->peer message in the system: length-prefixed
// fields, little-endian fixed integers, variable sequences prefixed by
// their element count as a u64.
//
// Grounded on the teacher's internal/protocol/message.go — the same
// BinaryMarshaler/BinaryUnmarshaler/WriterTo/ReaderFrom idiom, manually
// slicing a byte buffer rather than reaching for a serialization framework —
// generalized from BitTorrent's big-endian length-prefixed wire messages to
// this spec's little-endian encoding (spec.md §6 is explicit about byte
// order, unlike the BitTorrent wire protocol the teacher ports).
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/rabbitshare/rabbitshare/internal/bitmap"
	"github.com/rabbitshare/rabbitshare/internal/filemeta"
	"github.com/rabbitshare/rabbitshare/internal/peerid"
)

var ErrShortBuffer = errors.New("wire: short buffer")

// Writer accumulates a little-endian encoded message. The zero value is
// ready to use.
type Writer struct{ buf []byte }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutFixed appends p with no length prefix; use only for fixed-size fields
// both ends already agree on the length of (a fingerprint).
func (w *Writer) PutFixed(p []byte) { w.buf = append(w.buf, p...) }

// PutBytes appends a u64 element count followed by p.
func (w *Writer) PutBytes(p []byte) {
	w.PutUint64(uint64(len(p)))
	w.buf = append(w.buf, p...)
}

func (w *Writer) PutString(s string) { w.PutBytes([]byte(s)) }

func (w *Writer) PutFingerprint(fp filemeta.Fingerprint) { w.PutFixed(fp[:]) }

func (w *Writer) PutPeerId(id peerid.PeerId) { w.PutUint32(uint32(id)) }

// PutBitmap encodes {bit_length: u64, word_count: u64, words: [u64;
// word_count]}, per spec.md §6.
func (w *Writer) PutBitmap(b *bitmap.Bitmap) {
	words := b.Words()
	w.PutUint64(uint64(b.Len()))
	w.PutUint64(uint64(len(words)))
	for _, word := range words {
		w.PutUint64(word)
	}
}

func (w *Writer) PutUint32Slice(xs []uint32) {
	w.PutUint64(uint64(len(xs)))
	for _, x := range xs {
		w.PutUint32(x)
	}
}

// Reader consumes a buffer written by Writer, failing ErrShortBuffer on any
// read past the end.
type Reader struct {
	data []byte
	pos  int
}

func NewReader(data []byte) *Reader { return &Reader{data: data} }

// Remaining reports how many unread bytes are left in the buffer.
func (r *Reader) Remaining() int { return len(r.data) - r.pos }

func (r *Reader) require(n int) error {
	if len(r.data)-r.pos < n {
		return ErrShortBuffer
	}
	return nil
}

func (r *Reader) Uint8() (uint8, error) {
	if err := r.require(1); err != nil {
		return 0, err
	}
	v := r.data[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) Uint64() (uint64, error) {
	if err := r.require(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) Fixed(n int) ([]byte, error) {
	if err := r.require(n); err != nil {
		return nil, err
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Bytes reads a length-prefixed byte slice, copied out of the underlying
// buffer so callers may retain it past the buffer's lifetime.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	view, err := r.Fixed(int(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), view...), nil
}

func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) PeerId() (peerid.PeerId, error) {
	v, err := r.Uint32()
	return peerid.PeerId(v), err
}

func (r *Reader) Fingerprint() (filemeta.Fingerprint, error) {
	var fp filemeta.Fingerprint
	b, err := r.Fixed(filemeta.FingerprintSize)
	if err != nil {
		return fp, err
	}
	copy(fp[:], b)
	return fp, nil
}

func (r *Reader) Bitmap() (*bitmap.Bitmap, error) {
	length, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	wordCount, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	// wordCount is an untrusted u64 read straight off the wire; validate it
	// against what's actually left in the buffer before allocating, so a
	// peer can't force a multi-gigabyte (or out-of-range) make([]uint64).
	if wordCount > uint64(r.Remaining())/8 {
		return nil, ErrShortBuffer
	}
	words := make([]uint64, wordCount)
	for i := range words {
		w, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		words[i] = w
	}
	// Clear unused high bits in the final word, as FromWords expects.
	if rem := length % 64; rem != 0 && wordCount > 0 {
		words[wordCount-1] &= (1 << rem) - 1
	}
	return bitmap.FromWords(int(length), words)
}

func (r *Reader) Uint32Slice() ([]uint32, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	// As in Bitmap: validate the untrusted element count against the
	// buffer's actual remaining bytes before allocating.
	if n > uint64(r.Remaining())/4 {
		return nil, ErrShortBuffer
	}
	out := make([]uint32, n)
	for i := range out {
		v, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
