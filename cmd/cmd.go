package cmd

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"bjoernblessin.de/udpmessaging/connection"
	"bjoernblessin.de/udpmessaging/engine"
)

var node *engine.Engine

// SetGlobalVars sets the engine the commands operate on.
func SetGlobalVars(e *engine.Engine) {
	node = e
}

var ErrUnknownPeer = errors.New("unknown peer")

// parseDestination accepts "*" for all peers, a peer endpoint or a (prefix of a) peer ID.
func parseDestination(arg string, peers []connection.Peer) (connection.Destination, error) {
	if arg == "*" || strings.EqualFold(arg, "all") {
		return connection.ToAll(), nil
	}

	if endpoint, err := netip.ParseAddrPort(arg); err == nil {
		for _, peer := range peers {
			if peer.Endpoint == endpoint {
				return connection.ToPeer(peer.ID), nil
			}
		}
		return connection.Destination{}, fmt.Errorf("%w: no identified peer at %s", ErrUnknownPeer, endpoint)
	}

	var match *connection.Peer
	for i, peer := range peers {
		if !strings.HasPrefix(peer.ID.String(), strings.ToLower(arg)) {
			continue
		}
		if match != nil {
			return connection.Destination{}, fmt.Errorf("%w: %q matches more than one peer", ErrUnknownPeer, arg)
		}
		match = &peers[i]
	}

	if match == nil {
		return connection.Destination{}, fmt.Errorf("%w: %q", ErrUnknownPeer, arg)
	}
	return connection.ToPeer(match.ID), nil
}
