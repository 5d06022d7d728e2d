// Command pvabeacond runs the core transport, dispatch table, and beacon
// emitter as a standalone UDP server, the minimal daemon a channel provider
// needs to announce itself and answer connection validation and echo
// requests.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
