package main

import (
	"os"

	"github.com/Capmap-core-v1/server/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
