// Package magnet implements the "copy link" codec from spec.md §6: a
// binary encode of (fingerprint, name, length_bytes) wrapped in standard
// base64, so a file can be shared out-of-band as a single opaque string.
//
// Grounded on the teacher's internal/meta.Magnet/ParseMagnet, generalized
// from BitTorrent's magnet:?xt=urn:btih:...&dn=...&tr=... query-string
// form (tracker list and hex info-hash) to this spec's compact
// binary+base64 form — there is no tracker list to carry (spec.md has
// exactly one tracker, configured separately) and the fingerprint is the
// spec's 32-byte SHA-256 rather than a 20-byte SHA-1 info-hash.
package magnet

import (
	"encoding/base64"
	"fmt"

	"github.com/rabbitshare/rabbitshare/internal/filemeta"
	"github.com/rabbitshare/rabbitshare/internal/wire"
)

// Link is the decoded contents of a magnet string.
type Link struct {
	Fingerprint filemeta.Fingerprint
	Name        string
	LengthBytes uint64
}

// Encode renders l as a magnet string: binary-encoded
// (fingerprint, name, length_bytes), base64-wrapped with the standard
// (non-URL) alphabet, per spec.md §6.
func Encode(l Link) string {
	var w wire.Writer
	w.PutFingerprint(l.Fingerprint)
	w.PutString(l.Name)
	w.PutUint64(l.LengthBytes)
	return base64.StdEncoding.EncodeToString(w.Bytes())
}

// Decode parses a magnet string produced by Encode. Any malformed input —
// bad base64, truncated fields, trailing garbage — is a user-level error,
// per spec.md §6.
func Decode(s string) (Link, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Link{}, fmt.Errorf("magnet: invalid base64: %w", err)
	}

	r := wire.NewReader(data)
	fp, err := r.Fingerprint()
	if err != nil {
		return Link{}, fmt.Errorf("magnet: reading fingerprint: %w", err)
	}
	name, err := r.String()
	if err != nil {
		return Link{}, fmt.Errorf("magnet: reading name: %w", err)
	}
	length, err := r.Uint64()
	if err != nil {
		return Link{}, fmt.Errorf("magnet: reading length_bytes: %w", err)
	}
	if r.Remaining() != 0 {
		return Link{}, fmt.Errorf("magnet: %d trailing bytes", r.Remaining())
	}

	return Link{Fingerprint: fp, Name: name, LengthBytes: length}, nil
}
