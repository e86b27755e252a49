package handler

import (
	"net/netip"
	"time"

	"bjoernblessin.de/udpmessaging/connection"
	"bjoernblessin.de/udpmessaging/metrics"
	"bjoernblessin.de/udpmessaging/pkt"
	"bjoernblessin.de/udpmessaging/util/logger"
	"github.com/google/uuid"
)

// handleHello refreshes the liveness of a peer and detects new and restarted peers.
func (p *Processor) handleHello(now time.Time, from netip.AddrPort, segment *pkt.Segment) {
	id, ok := p.parsePeerID(from, segment)
	if !ok {
		return
	}

	node, created := p.registry.GetOrCreate(from)
	node.LastHeartbeat = now
	node.Reachable = true
	p.deadlines.schedule(livenessKey(from), now.Add(p.cfg.DeadPeerTimeout()))

	previous, changed := p.registry.ResetIfRestarted(from, id)
	if !changed {
		return
	}

	if previous != uuid.Nil {
		p.listener.OnNodeLost(connection.Peer{ID: previous, Endpoint: from})
	}

	logger.Infof("Discovered peer %s (new=%v)", node.Peer(), created)
	p.listener.OnNodeDiscovered(node.Peer())
}

// handleBye removes a peer that announced its shutdown.
func (p *Processor) handleBye(from netip.AddrPort, segment *pkt.Segment) {
	id, ok := p.parsePeerID(from, segment)
	if !ok {
		return
	}

	node, ok := p.registry.Get(from)
	if !ok {
		return
	}

	if node.IsIdentified() && node.PeerID != id {
		logger.Debugf("Ignoring BYE from %s for former identity %s", from, id)
		return
	}

	peer, _ := p.registry.Remove(from)
	p.deadlines.cancel(livenessKey(from))
	p.deadlines.cancel(gapKey(from))

	logger.Infof("Peer %s said goodbye", peer)

	if peer.ID != uuid.Nil {
		p.listener.OnNodeLost(peer)
	}
}

func (p *Processor) parsePeerID(from netip.AddrPort, segment *pkt.Segment) (connection.PeerID, bool) {
	id, err := pkt.ParsePeerID(segment)
	if err != nil || !p.validPeerID(from, segment.Header.Type, id) {
		return uuid.Nil, false
	}
	return id, true
}

// validPeerID rejects a missing identity and segments that carry our own.
func (p *Processor) validPeerID(from netip.AddrPort, kind pkt.SegmentType, id connection.PeerID) bool {
	if id == uuid.Nil {
		p.metrics.Dropped(metrics.DropMalformed)
		logger.Debugf("Dropping %s from %s: missing peer id", kind, from)
		return false
	}

	if id == p.localID {
		p.metrics.Dropped(metrics.DropOwnSegment)
		return false
	}

	return true
}

// checkLiveness declares a peer lost once no heartbeat arrived for DeadHeartbeatIntervals beacon periods.
func (p *Processor) checkLiveness(now time.Time, endpoint netip.AddrPort) {
	node, ok := p.registry.Get(endpoint)
	if !ok || !node.Reachable {
		return
	}

	timeout := p.cfg.DeadPeerTimeout()
	if !node.IsDead(now, timeout) {
		p.deadlines.schedule(livenessKey(endpoint), node.LastHeartbeat.Add(timeout))
		return
	}

	p.metrics.Timeout(metrics.TimeoutPeer)
	peer, _ := p.registry.Remove(endpoint)
	p.deadlines.cancel(gapKey(endpoint))

	logger.Infof("Peer %s lost, no heartbeat for %s", peer, timeout)

	if peer.ID != uuid.Nil {
		p.listener.OnNodeLost(peer)
	}
}
