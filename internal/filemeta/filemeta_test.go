package filemeta

import "testing"

func TestPieceCount(t *testing.T) {
	cases := []struct {
		length uint64
		want   int
	}{
		{0, 0},
		{1, 1},
		{PieceSize, 1},
		{PieceSize + 1, 2},
		{1048577, 1025},
	}

	for _, tc := range cases {
		m := Metadata{LengthBytes: tc.length}
		got, err := m.PieceCount()
		if err != nil {
			t.Fatalf("PieceCount(%d): %v", tc.length, err)
		}
		if got != tc.want {
			t.Fatalf("PieceCount(%d) = %d; want %d", tc.length, got, tc.want)
		}
	}
}

func TestPieceLengthAtLastPieceIsTail(t *testing.T) {
	m := Metadata{LengthBytes: PieceSize*3 + 7}

	for i := 0; i < 3; i++ {
		got, err := m.PieceLengthAt(i)
		if err != nil || got != PieceSize {
			t.Fatalf("PieceLengthAt(%d) = %d, %v; want %d, nil", i, got, err, PieceSize)
		}
	}

	got, err := m.PieceLengthAt(3)
	if err != nil || got != 7 {
		t.Fatalf("PieceLengthAt(3) = %d, %v; want 7, nil", got, err)
	}

	if _, err := m.PieceLengthAt(4); err != ErrIndexOutOfRange {
		t.Fatalf("PieceLengthAt(4) = %v; want ErrIndexOutOfRange", err)
	}
}

func TestFromCompleteBytes(t *testing.T) {
	data := []byte("hello world")
	m, err := FromCompleteBytes("greeting.txt", data)
	if err != nil {
		t.Fatal(err)
	}
	if m.LengthBytes != uint64(len(data)) {
		t.Fatalf("LengthBytes = %d; want %d", m.LengthBytes, len(data))
	}
	count, _ := m.PieceCount()
	if count != 1 {
		t.Fatalf("PieceCount() = %d; want 1", count)
	}
}
