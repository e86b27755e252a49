package cmd

import (
	"fmt"
	"strconv"
	"time"
)

const defaultBenchSize = 1024

// HandleBench queues a burst of text messages to measure how fast the engine accepts them.
func HandleBench(args []string) {
	if len(args) < 2 || len(args) > 3 {
		println("Usage: bench <peer id|endpoint|*> <count> [size]")
		return
	}

	dest, err := parseDestination(args[0], node.Peers())
	if err != nil {
		fmt.Printf("Can't run benchmark: %v\n", err)
		return
	}

	count, err := strconv.Atoi(args[1])
	if err != nil || count <= 0 {
		println("Invalid count:", args[1])
		return
	}

	size := defaultBenchSize
	if len(args) == 3 {
		size, err = strconv.Atoi(args[2])
		if err != nil || size < 0 {
			println("Invalid size:", args[2])
			return
		}
	}

	text := make([]byte, size)
	for i := range text {
		text[i] = 'a' + byte(i%26)
	}
	payload := EncodeText(string(text))

	start := time.Now()
	rejected := 0
	for range count {
		if !node.EnqueueOutboundMessage(payload, dest) {
			rejected++
		}
	}

	fmt.Printf("Queued %d of %d messages of %d bytes for %s in %s\n", count-rejected, count, size, dest, time.Since(start).Round(time.Microsecond))
}
