// Package main is the entry point for iocpipe.
package main

import (
	"os"

	"iocpipe/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
