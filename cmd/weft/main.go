package main

import (
	"os"

	"github.com/me/weft/internal/cli"
)

func main() {
	// cobra has already printed the error.
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
