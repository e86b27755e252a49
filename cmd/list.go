package cmd

import (
	"fmt"
	"time"
)

func HandleList(args []string) {
	stats := node.Stats()
	if len(stats.Peers) == 0 {
		fmt.Printf("No known peers.\n")
		return
	}

	fmt.Printf("Peers:\n")
	for _, status := range stats.Peers {
		state := "reachable"
		if !status.Reachable {
			state = "unreachable"
		}
		if status.Static {
			state += ", static"
		}

		lastSeen := "never"
		if !status.LastHeartbeat.IsZero() {
			lastSeen = time.Since(status.LastHeartbeat).Round(time.Millisecond).String() + " ago"
		}

		fmt.Printf("  %s [%s] last heartbeat %s\n", status.Peer, state, lastSeen)
	}
}
