// Command fieldsyncd runs the fieldsync write-queue agent and the reference
// remote store, and inspects the local durable store.
package main

import (
	"fmt"
	"os"
)

// Version is the fieldsyncd release.
var Version = "0.1.0"

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fieldsyncd:", err)
		os.Exit(1)
	}
}
