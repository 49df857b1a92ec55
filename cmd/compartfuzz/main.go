// Command compartfuzz drives an instrumented worker over a framed pipe
// protocol to fuzz a compartment interface and triage the crashes it finds.
package main

import (
	"fmt"
	"os"

	"github.com/hlefeuvre/compartfuzz/internal/cliapp"
)

func main() {
	if err := cliapp.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cliapp.ExitPrecondition)
	}
}
