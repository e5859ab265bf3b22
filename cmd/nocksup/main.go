package main

import (
	"os"

	"github.com/ZentaChain/nocksup/cmd/nocksup/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
