package main

import (
	"os"

	"github.com/menta2k/bushub/internal/cli"
	"github.com/menta2k/bushub/internal/logging"
)

func main() {
	logger := logging.NewLogger(os.Stderr, logging.LevelInfo)
	if err := cli.Execute(os.Args[1:], os.Stdout, logger); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
