package magnet

import (
	"strings"
	"testing"

	"github.com/rabbitshare/rabbitshare/internal/filemeta"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	fp := filemeta.Fingerprint{1, 2, 3, 4, 5}
	link := Link{Fingerprint: fp, Name: "ubuntu.iso", LengthBytes: 123456789}

	s := Encode(link)
	got, err := Decode(s)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != link {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, link)
	}
}

func TestDecodeRejectsInvalidBase64(t *testing.T) {
	if _, err := Decode("not base64!!!"); err == nil {
		t.Fatal("expected an error decoding invalid base64")
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	fp := filemeta.Fingerprint{9}
	s := Encode(Link{Fingerprint: fp, Name: "x", LengthBytes: 1})
	if _, err := Decode(s[:len(s)-8]); err == nil {
		t.Fatal("expected an error decoding a truncated magnet string")
	}
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	fp := filemeta.Fingerprint{9}
	s := Encode(Link{Fingerprint: fp, Name: "x", LengthBytes: 1})
	if _, err := Decode(s + strings.Repeat("A", 8)); err == nil {
		t.Fatal("expected an error decoding a magnet string with trailing bytes")
	}
}

func TestEmptyNameRoundTrips(t *testing.T) {
	link := Link{Fingerprint: filemeta.Fingerprint{}, Name: "", LengthBytes: 0}
	got, err := Decode(Encode(link))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != link {
		t.Fatalf("got %+v, want %+v", got, link)
	}
}
