package handler

import (
	"time"

	"bjoernblessin.de/udpmessaging/connection"
)

// PeerStatus is a read-only copy of one NodeInfo.
type PeerStatus struct {
	Peer          connection.Peer
	Static        bool
	Reachable     bool
	LastHeartbeat time.Time
	Outbound      int // Segmenters in flight
	Inbound       int // Reassemblies in progress
	Buffered      int // Completed messages waiting for a gap
}

// Snapshot is a copy of the peer table that can be read from any goroutine.
type Snapshot struct {
	Peers     []PeerStatus
	Outbound  int
	Inbound   int
	Deadlines int
}

// Known returns the peers that announced their identity.
func (s *Snapshot) Known() []connection.Peer {
	var peers []connection.Peer
	for _, status := range s.Peers {
		if status.Peer.ID != (connection.PeerID{}) {
			peers = append(peers, status.Peer)
		}
	}
	return peers
}

// Snapshot copies the current state and updates the gauges.
func (p *Processor) Snapshot() *Snapshot {
	snapshot := &Snapshot{Deadlines: p.deadlines.len()}
	identified := 0

	for _, node := range p.registry.AllKnown() {
		status := PeerStatus{
			Peer:          node.Peer(),
			Static:        node.Static,
			Reachable:     node.Reachable,
			LastHeartbeat: node.LastHeartbeat,
			Outbound:      len(node.Segmenters),
			Inbound:       len(node.Reassemblers),
			Buffered:      node.Resequencer.Buffered(),
		}

		snapshot.Peers = append(snapshot.Peers, status)
		snapshot.Outbound += status.Outbound
		snapshot.Inbound += status.Inbound
		if node.IsIdentified() {
			identified++
		}
	}

	p.metrics.SetKnownPeers(identified)
	p.metrics.SetInFlight(snapshot.Outbound, snapshot.Inbound)

	return snapshot
}
