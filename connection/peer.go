// Package connection keeps the per-peer protocol state.
// A peer is identified by its endpoint; its PeerID tells process restarts apart.
package connection

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"
)

// PeerID identifies one peer process. The zero value means the peer has not announced itself yet.
type PeerID = uuid.UUID

// NewPeerID returns a fresh random identity.
func NewPeerID() PeerID {
	return uuid.New()
}

type Peer struct {
	ID       PeerID
	Endpoint netip.AddrPort
}

func (p Peer) String() string {
	if p.ID == uuid.Nil {
		return p.Endpoint.String()
	}
	return fmt.Sprintf("%s (%s)", p.Endpoint, p.ID)
}

// Destination addresses an outbound message, either to one peer or to all known peers.
type Destination struct {
	Peer      PeerID
	Broadcast bool
}

// ToPeer addresses a single peer.
func ToPeer(id PeerID) Destination {
	return Destination{Peer: id}
}

// ToAll addresses every known peer.
func ToAll() Destination {
	return Destination{Broadcast: true}
}

func (d Destination) String() string {
	if d.Broadcast {
		return "*"
	}
	return d.Peer.String()
}
