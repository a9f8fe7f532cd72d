package main

import (
	"github.com/awnumar/memguard"

	"github.com/osmn-byhn/tamga/cli/cmd"
)

func main() {
	// Wipe enclaves on Ctrl-C before exiting.
	memguard.CatchInterrupt()

	cmd.Execute()
}
