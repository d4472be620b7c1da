package main

import (
	"os"

	"github.com/psantana5/procctl/cmd/procctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
