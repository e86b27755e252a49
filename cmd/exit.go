package cmd

// HandleExit says goodbye to all peers and stops the engine.
func HandleExit(args []string) {
	node.Stop()
}
