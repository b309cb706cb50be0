// Package main is the godaisy command: it hosts the offline-first cache and
// sync engine as a long-running service and offers one-shot maintenance
// commands over the same data directory.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
