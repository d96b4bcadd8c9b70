package main

import (
	"os"

	"github.com/mirelabs/coda/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
