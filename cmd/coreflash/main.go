package main

import (
	"log/slog"
	"os"

	"github.com/corekit/coreflash/cmd/coreflash/commands"
)

func main() {
	// Replaced once the configuration is loaded; progress goes to stdout.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
