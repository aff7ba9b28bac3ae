// Package main provides the entry point for the statmcp CLI.
package main

import (
	"fmt"
	"os"

	"github.com/statengine/statmcp/cmd/statmcp/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
