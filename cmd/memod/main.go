package main

import (
	"os"

	"github.com/originos/memod/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
