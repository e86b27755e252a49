package cmd

import (
	"fmt"
)

// HandleStats prints the in-flight state per peer.
func HandleStats(args []string) {
	stats := node.Stats()

	fmt.Printf("Local: %s (%s)\n", node.LocalEndpoint(), node.LocalID())
	fmt.Printf("Outbound messages in flight: %d\n", stats.Outbound)
	fmt.Printf("Inbound reassemblies: %d\n", stats.Inbound)
	fmt.Printf("Scheduled deadlines: %d\n", stats.Deadlines)

	for _, status := range stats.Peers {
		fmt.Printf("  %s out=%d in=%d buffered=%d\n", status.Peer, status.Outbound, status.Inbound, status.Buffered)
	}
}
