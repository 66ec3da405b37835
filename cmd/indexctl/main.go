package main

import (
	"os"

	"github.com/audax/qabel-index/cmd/indexctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
