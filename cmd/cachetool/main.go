// Command cachetool inspects, creates and verifies cache image files.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cachetool:", err)
		os.Exit(1)
	}
}
