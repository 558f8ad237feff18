// Command manifold fits locally linear embeddings from the command line and
// serves them over HTTP.
package main

import (
	"fmt"
	"os"

	_ "github.com/TFMV/manifold/eigen/lobpcg"
)

var (
	Version   = "0.1.0"
	BuildDate = "2025-03-01"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
