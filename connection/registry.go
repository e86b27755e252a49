package connection

import (
	"net/netip"
	"slices"

	"bjoernblessin.de/udpmessaging/util/logger"
	"github.com/google/uuid"
)

// Registry maps peer endpoints to their NodeInfo.
// Static peers are created up front. They are never removed, only reset and marked unreachable.
type Registry struct {
	nodes       map[netip.AddrPort]*NodeInfo
	maxBuffered int
	lastEpoch   uint32
}

// NewRegistry creates a registry holding the static peers.
// maxBuffered bounds the resequencer of every node.
func NewRegistry(staticPeers []netip.AddrPort, maxBuffered int) *Registry {
	r := &Registry{
		nodes:       make(map[netip.AddrPort]*NodeInfo),
		maxBuffered: maxBuffered,
	}

	for _, endpoint := range staticPeers {
		r.nodes[endpoint] = newNodeInfo(endpoint, true, maxBuffered, r.nextEpoch())
	}

	return r
}

// nextEpoch hands out session epochs. They only grow, so a peer can tell a
// recreated node's sequence numbers from those of the one it replaces.
func (r *Registry) nextEpoch() uint32 {
	r.lastEpoch++
	return r.lastEpoch
}

// GetOrCreate returns the node for the endpoint, creating a dynamic one if it is unknown.
func (r *Registry) GetOrCreate(endpoint netip.AddrPort) (node *NodeInfo, created bool) {
	if node, ok := r.nodes[endpoint]; ok {
		return node, false
	}

	node = newNodeInfo(endpoint, false, r.maxBuffered, r.nextEpoch())
	r.nodes[endpoint] = node

	logger.Debugf("New node %s", endpoint)

	return node, true
}

func (r *Registry) Get(endpoint netip.AddrPort) (*NodeInfo, bool) {
	node, ok := r.nodes[endpoint]
	return node, ok
}

// ResetIfRestarted records peerID as the identity of the node at endpoint.
// If the node carried a different non-zero identity before, its in-flight state is discarded.
// Returns the previous identity and whether the identity changed.
// The node must exist.
func (r *Registry) ResetIfRestarted(endpoint netip.AddrPort, peerID PeerID) (previous PeerID, changed bool) {
	node, ok := r.nodes[endpoint]
	if !ok || node.PeerID == peerID {
		return peerID, false
	}

	previous = node.PeerID
	if previous != uuid.Nil {
		logger.Infof("Peer at %s restarted (%s -> %s), discarding its state", endpoint, previous, peerID)
		node.Reset(r.nextEpoch())
	}
	node.PeerID = peerID

	return previous, true
}

// Remove forgets the node at endpoint and returns the peer it was.
// Static nodes are reset, lose their identity and are marked unreachable instead.
func (r *Registry) Remove(endpoint netip.AddrPort) (Peer, bool) {
	node, ok := r.nodes[endpoint]
	if !ok {
		return Peer{}, false
	}

	peer := node.Peer()

	if node.Static {
		node.Reset(r.nextEpoch())
		node.PeerID = uuid.Nil
		node.Reachable = false
		return peer, true
	}

	delete(r.nodes, endpoint)
	return peer, true
}

// AllKnown returns every node ordered by endpoint.
func (r *Registry) AllKnown() []*NodeInfo {
	nodes := make([]*NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		nodes = append(nodes, node)
	}

	slices.SortFunc(nodes, func(a, b *NodeInfo) int {
		return a.Endpoint.Compare(b.Endpoint)
	})

	return nodes
}

func (r *Registry) Len() int {
	return len(r.nodes)
}

// FindByPeerID returns the node that currently carries the identity.
func (r *Registry) FindByPeerID(id PeerID) (*NodeInfo, bool) {
	if id == uuid.Nil {
		return nil, false
	}

	for _, node := range r.nodes {
		if node.PeerID == id {
			return node, true
		}
	}

	return nil, false
}

// Resolve returns the nodes a message for dest has to be sent to.
// A broadcast reaches every identified node and every static node.
func (r *Registry) Resolve(dest Destination) []*NodeInfo {
	if !dest.Broadcast {
		node, ok := r.FindByPeerID(dest.Peer)
		if !ok {
			return nil
		}
		return []*NodeInfo{node}
	}

	var targets []*NodeInfo
	for _, node := range r.AllKnown() {
		if node.IsIdentified() || node.Static {
			targets = append(targets, node)
		}
	}

	return targets
}
