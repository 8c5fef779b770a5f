// Command miclevel prints the loudness of an audio input, one RMS value per
// packet, and accepts console commands to pause, flush, restart or reopen
// the device.
package main

import (
	"fmt"
	"os"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
