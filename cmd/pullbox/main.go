// Command pullbox runs shell commands for coding agents with their secrets
// filtered out and the host process sandboxed.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/pullfrog/pullbox"
)

func main() {
	// Isolated children re-enter here and must not reach cobra.
	if pullbox.MaybeSandboxInit() {
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "pullbox: %v\n", err)
		os.Exit(1)
	}
}
