package connection

import (
	"net/netip"
	"time"

	"bjoernblessin.de/udpmessaging/reconstruction"
	"bjoernblessin.de/udpmessaging/sequencing"
	"github.com/google/uuid"
)

// NodeInfo is the state kept for one peer endpoint.
// It is owned by the reactor goroutine and must not be touched from anywhere else.
type NodeInfo struct {
	PeerID   PeerID
	Endpoint netip.AddrPort

	Static    bool // Configured at startup, never removed
	Reachable bool

	LastHeartbeat time.Time

	Reassemblers map[uint32]*reconstruction.Reassembler // Inbound messages by message id
	Resequencer  *sequencing.Resequencer
	Segmenters   map[uint32]*sequencing.Segmenter // Outbound messages by message id

	NextSequence uint32
	Epoch        uint32    // Session of our sequence numbers towards this peer
	GapSince     time.Time // Zero while the resequencer is not waiting for a gap

	// PeerEpoch is the session of the peer's sequence numbers, valid once hasPeerEpoch is set.
	PeerEpoch    uint32
	hasPeerEpoch bool
}

func newNodeInfo(endpoint netip.AddrPort, static bool, maxBuffered int, epoch uint32) *NodeInfo {
	return &NodeInfo{
		Endpoint:     endpoint,
		Static:       static,
		Epoch:        epoch,
		Reassemblers: make(map[uint32]*reconstruction.Reassembler),
		Resequencer:  sequencing.NewResequencer(maxBuffered),
		Segmenters:   make(map[uint32]*sequencing.Segmenter),
	}
}

func (n *NodeInfo) Peer() Peer {
	return Peer{ID: n.PeerID, Endpoint: n.Endpoint}
}

// IsIdentified reports whether the peer has announced its PeerID.
func (n *NodeInfo) IsIdentified() bool {
	return n.PeerID != uuid.Nil
}

// Reset discards all in-flight state and restarts our sequence numbers in a new session.
func (n *NodeInfo) Reset(epoch uint32) {
	clear(n.Segmenters)
	n.NextSequence = 0
	n.Epoch = epoch
	n.ResetInbound()
	n.hasPeerEpoch = false
}

// ResetInbound discards the reassembly and resequencing state of the peer's session.
func (n *NodeInfo) ResetInbound() {
	clear(n.Reassemblers)
	n.Resequencer.Reset()
	n.GapSince = time.Time{}
}

// AcceptEpoch checks the session epoch carried by inbound data.
// The first epoch seen is adopted. A newer one replaces the current session and
// discards its inbound state, an older one is rejected.
func (n *NodeInfo) AcceptEpoch(epoch uint32) (accepted, renewed bool) {
	switch {
	case !n.hasPeerEpoch:
		n.PeerEpoch, n.hasPeerEpoch = epoch, true
		return true, false
	case epoch == n.PeerEpoch:
		return true, false
	case int32(epoch-n.PeerEpoch) < 0:
		return false, false
	}

	n.ResetInbound()
	n.PeerEpoch = epoch
	return true, true
}

// InSession reports whether epoch is the peer's current session.
func (n *NodeInfo) InSession(epoch uint32) bool {
	return n.hasPeerEpoch && n.PeerEpoch == epoch
}

// TakeSequence returns the next outbound sequence number for this peer.
func (n *NodeInfo) TakeSequence() uint32 {
	seq := n.NextSequence
	n.NextSequence++
	return seq
}

// IsDead reports whether no heartbeat arrived within timeout.
func (n *NodeInfo) IsDead(now time.Time, timeout time.Duration) bool {
	return now.Sub(n.LastHeartbeat) >= timeout
}
