package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
)

func HandleSendFile(args []string) {
	if len(args) < 2 {
		println("Usage: file <peer id|endpoint|*> <file path>")
		return
	}

	dest, err := parseDestination(args[0], node.Peers())
	if err != nil {
		fmt.Printf("Can't send file: %v\n", err)
		return
	}

	file, err := os.Open(args[1])
	if err != nil {
		fmt.Printf("Failed to open file %s: %v\n", args[1], err)
		return
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		fmt.Printf("Failed to get file info for %s: %v\n", args[1], err)
		return
	}

	if fileInfo.IsDir() {
		fmt.Printf("The specified path %s is a directory, not a file.\n", args[1])
		return
	}

	content := bytes.NewBuffer(make([]byte, 0, fileInfo.Size()))
	bar := progressbar.DefaultBytes(fileInfo.Size(), "reading "+fileInfo.Name())
	if _, err := io.Copy(io.MultiWriter(content, bar), file); err != nil {
		fmt.Printf("\nFailed to read file %s: %v\n", args[1], err)
		return
	}
	_ = bar.Finish()

	payload, err := EncodeFile(fileInfo.Name(), content.Bytes())
	if err != nil {
		fmt.Printf("Can't send file %s: %v\n", args[1], err)
		return
	}

	if !node.EnqueueOutboundMessage(payload, dest) {
		fmt.Printf("Can't send file to %s: the engine rejected %d bytes\n", dest, len(payload))
		return
	}
	fmt.Printf("Queued %s (%d bytes) for %s\n", fileInfo.Name(), fileInfo.Size(), dest)
}

// saveReceivedFile stores a received file under the received files directory and returns its path.
func saveReceivedFile(dir, name string, content []byte) (string, error) {
	name = filepath.Base(filepath.Clean(name))
	if name == "." || name == ".." || name == string(filepath.Separator) {
		return "", fmt.Errorf("invalid file name %q", name)
	}

	err := os.MkdirAll(dir, 0700) // owner read/write/execute, group and others no permissions
	if err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	return path, nil
}
