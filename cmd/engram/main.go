// Command engram is the CLI surface of the semantic memory engine.
package main

import (
	"fmt"
	"os"

	"github.com/engramkit/engram/cmd/engram/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
