// Command pipelinectl is the operator CLI for pipelined.
package main

import (
	"fmt"
	"os"

	"github.com/psantana5/media-pipeline/cmd/pipelinectl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
