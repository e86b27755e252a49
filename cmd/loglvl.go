package cmd

import (
	"fmt"
	"strings"

	"bjoernblessin.de/udpmessaging/util/logger"
)

// HandleLogLevel displays or sets the current log level.
// Usage: loglvl [NONE|WARN|INFO|DEBUG|TRACE]
func HandleLogLevel(args []string) {
	if len(args) > 1 {
		fmt.Println("Usage: loglvl [NONE|WARN|INFO|DEBUG|TRACE]")
		return
	}

	// If an argument is provided, try to set the log level
	if len(args) == 1 {
		level, ok := logger.ParseLogLevel(args[0])
		if !ok {
			fmt.Printf("Invalid log level: %s\n", strings.ToUpper(args[0]))
			return
		}
		logger.SetLogLevel(level)
		fmt.Printf("Log level set to %s\n", level)
		return
	}

	// If no arguments, just display the current level
	currentLevel := logger.GetLogLevel()
	fmt.Printf("Current log level: %s\n", currentLevel.String())
}
