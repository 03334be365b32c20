package wire

import (
	"encoding/binary"
	"testing"
)

// TestReaderBitmapRejectsInflatedWordCount confirms Bitmap validates its
// wire-supplied word count against the buffer's actual remaining bytes
// before allocating, rather than trusting an untrusted peer's u64 straight
// into make([]uint64, wordCount).
func TestReaderBitmapRejectsInflatedWordCount(t *testing.T) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], 64)     // bit_length
	binary.LittleEndian.PutUint64(buf[8:16], 1<<40) // word_count: absurdly large
	r := NewReader(buf[:])
	if _, err := r.Bitmap(); err != ErrShortBuffer {
		t.Fatalf("Bitmap() with inflated word_count = %v; want ErrShortBuffer", err)
	}
}

// TestReaderUint32SliceRejectsInflatedCount is the same check for
// Uint32Slice, which FilePiecesReceived decodes through.
func TestReaderUint32SliceRejectsInflatedCount(t *testing.T) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1<<40) // element count: absurdly large
	r := NewReader(buf[:])
	if _, err := r.Uint32Slice(); err != ErrShortBuffer {
		t.Fatalf("Uint32Slice() with inflated count = %v; want ErrShortBuffer", err)
	}
}

// TestReaderBitmapAcceptsExactFit confirms the new bounds check doesn't
// reject a legitimately large-but-present word count.
func TestReaderBitmapAcceptsExactFit(t *testing.T) {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:8], 128) // bit_length
	binary.LittleEndian.PutUint64(buf[8:16], 2)  // word_count
	binary.LittleEndian.PutUint64(buf[16:24], 0xAAAAAAAAAAAAAAAA)
	binary.LittleEndian.PutUint64(buf[24:32], 0x5555555555555555)

	r := NewReader(buf[:])
	bm, err := r.Bitmap()
	if err != nil {
		t.Fatalf("Bitmap(): %v", err)
	}
	if bm.Len() != 128 {
		t.Fatalf("Bitmap().Len() = %d, want 128", bm.Len())
	}
}
