// Package main is the entry point for the vtcast application.
package main

import (
	"os"

	"github.com/jmylchreest/vtcast/cmd/vtcast/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
