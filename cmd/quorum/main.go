// Command quorum runs and operates the request/response correlation engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/quorum/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
