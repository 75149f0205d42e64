// Package main provides the live-interpreter binary.
//
// Usage:
//
//	interpreter [flags] <command> [args]
//
// Commands:
//
//	serve   - run the room relay and its HTTP API
//	speak   - capture speech, translate it and publish to a room
//	listen  - follow a room, render transcripts and play or record audio
//	room    - create, inspect or delete rooms
package main

import (
	"fmt"
	"os"

	"github.com/skypro1111/live-interpreter/cmd/interpreter/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
