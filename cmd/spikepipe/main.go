package main

import (
	"os"

	"github.com/spikepipe/spikepipe/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
