package main

import (
	"os"

	"github.com/varmetrics/varmetrics/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
