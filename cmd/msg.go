package cmd

import (
	"fmt"
	"strings"
)

func HandleSend(args []string) {
	if len(args) < 2 {
		println("Usage: msg <peer id|endpoint|*> <message>")
		return
	}

	dest, err := parseDestination(args[0], node.Peers())
	if err != nil {
		fmt.Printf("Can't send message: %v\n", err)
		return
	}

	fullMsg := strings.Join(args[1:], " ")
	if !node.EnqueueOutboundMessage(EncodeText(fullMsg), dest) {
		fmt.Printf("Can't send message to %s: the engine rejected it\n", dest)
	}
}
