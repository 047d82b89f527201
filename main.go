package main

import (
	"os"

	"github.com/voltgrid/chargeq/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
