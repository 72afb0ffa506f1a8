// Package main is the entry point for testrt.
// This is a thin wrapper around the cli package.
package main

import (
	"os"

	"github.com/zot/testrt/cli"
)

func main() {
	os.Exit(cli.RunCLI(os.Args[1:]))
}
