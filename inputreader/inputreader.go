package inputreader

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

type Command string

type CommandHandler func(args []string)

type InputReader struct {
	scanner  *bufio.Scanner
	out      io.Writer
	prompt   func() string
	handlers map[Command][]CommandHandler
}

// NewInputReader reads commands from in and writes the prompt to out.
// prompt is called before every line.
func NewInputReader(in io.Reader, out io.Writer, prompt func() string) *InputReader {
	return &InputReader{
		scanner:  bufio.NewScanner(in),
		out:      out,
		prompt:   prompt,
		handlers: make(map[Command][]CommandHandler),
	}
}

func (ir *InputReader) AddHandler(cmd Command, handler CommandHandler) {
	ir.handlers[cmd] = append(ir.handlers[cmd], handler)
}

// InputLoop continuously reads from the input and notifies registered handlers about commands.
// This method will block until an "exit" command is processed or the input ends.
// At the end of input the "exit" handlers are run as well.
func (ir *InputReader) InputLoop() {
	fmt.Fprintln(ir.out, "Ready for commands. Type 'exit' to stop, 'help' for a list of commands.")

	for {
		fmt.Fprintf(ir.out, "%s > ", ir.prompt())

		if !ir.scanner.Scan() {
			if err := ir.scanner.Err(); err != nil {
				fmt.Fprintln(os.Stderr, "Error reading from stdin:", err)
			}
			ir.dispatch("exit", nil)
			return
		}

		parts := strings.Fields(ir.scanner.Text())
		if len(parts) == 0 {
			continue
		}

		command := strings.ToLower(parts[0])
		args := parts[1:]

		switch command {
		case "exit":
			ir.dispatch(Command(command), args)
			return
		case "help":
			fmt.Fprintln(ir.out, "Available commands:")

			commands := make([]string, 0, len(ir.handlers))
			for cmd := range ir.handlers {
				commands = append(commands, string(cmd))
			}
			slices.Sort(commands)
			for _, cmd := range commands {
				fmt.Fprintf(ir.out, "- %s\n", cmd)
			}
		default:
			if _, exists := ir.handlers[Command(command)]; !exists {
				fmt.Fprintf(ir.out, "No handlers registered for command: '%s'\n", command)
				continue
			}
			ir.dispatch(Command(command), args)
		}
	}
}

func (ir *InputReader) dispatch(cmd Command, args []string) {
	for _, handler := range ir.handlers[cmd] {
		handler(args)
	}
}
