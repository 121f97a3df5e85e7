// Command agora runs and operates a compute marketplace node.
package main

import (
	"os"

	"github.com/roach88/agora/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		cli.ReportError(os.Stderr, err)
	}
	os.Exit(cli.GetExitCode(err))
}
