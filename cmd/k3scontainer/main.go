package main

import (
	"os"

	"github.com/k3scontainer/k3scontainer/internal/cli"
	"github.com/k3scontainer/k3scontainer/internal/logging"
)

// main is the entry point for the k3scontainer CLI binary.
func main() {
	logger := logging.NewLogger(os.Stderr, logging.LevelInfo)
	os.Exit(cli.ExitCode(cli.Execute(os.Args[1:], logger)))
}
