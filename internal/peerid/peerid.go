// Package peerid defines PeerId, the tracker-assigned identifier shared by
// every other package that talks about a specific remote peer.
package peerid

import "fmt"

// PeerId is an opaque identifier assigned by the tracker for the lifetime
// of a session. Not persistent across sessions.
type PeerId uint32

func (id PeerId) String() string {
	return fmt.Sprintf("peer:%d", uint32(id))
}
