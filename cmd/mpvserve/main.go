package main

import (
	"os"

	"github.com/mpvserve/mpvserve/cmd/mpvserve/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
