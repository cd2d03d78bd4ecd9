package main

import (
	"os"

	"fincore/internal/cli"
)

func main() {
	if err := cli.NewRootCommand(cli.DefaultRuntime()).Execute(); err != nil {
		os.Exit(1)
	}
}
