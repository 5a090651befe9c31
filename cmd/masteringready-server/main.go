package main

import (
	"fmt"
	"os"

	"github.com/masteringready/masteringready/internal/cmd"
)

var version = "dev"

func main() {
	root := cmd.NewRootCmd(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
