package main

import (
	"os"

	"github.com/sorashiro/kioku/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
