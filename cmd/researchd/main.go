// Package main provides the entry point for the researchd daemon.
package main

import (
	"fmt"
	"os"

	"github.com/jdziat/durable-research/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
