// Command warden runs a governed coding agent against a local workspace.
package main

import (
	"fmt"
	"os"
)

var version = "dev" // set via ldflags at build time

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "warden:", err)
		os.Exit(1)
	}
}
