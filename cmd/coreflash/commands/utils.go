package commands

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/corekit/coreflash/internal/config"
	"github.com/corekit/coreflash/pkg/devices"
	"github.com/corekit/coreflash/pkg/errors"
	"github.com/corekit/coreflash/pkg/flash"
	"github.com/corekit/coreflash/pkg/security"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, workDir string) error {
	if sqlitePath != "" {
		if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
			return errors.Wrap(err, "failed to create database directory")
		}
	}

	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	if workDir != "" {
		if err := os.MkdirAll(workDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create work directory")
		}
	}

	return nil
}

// loadConfig loads and validates the configuration and applies its
// logging settings.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config invalid")
	}

	level, _ := cfg.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))

	return cfg, nil
}

func newCatalog() *devices.Catalog {
	return devices.NewCatalog(devices.NewPlatformProvider())
}

func newValidator(cfg *config.Config) *security.Validator {
	return security.NewValidator(cfg.MaxImageSize, cfg.MaxCompressionRatio)
}

func engineOptions(cfg *config.Config) flash.Options {
	return flash.Options{
		ChunkSize:   cfg.ChunkSize,
		EventBuffer: cfg.EventBuffer,
		SpeedWindow: cfg.SpeedWindow,
	}
}

// printProgress renders one progress event on a single terminal line.
func printProgress(ev flash.ProgressEvent) {
	switch ev.Phase {
	case flash.PhaseWriting, flash.PhaseVerifying:
		eta := "--:--"
		if ev.ETASeconds > 0 {
			eta = (time.Duration(ev.ETASeconds) * time.Second).String()
		}
		fmt.Printf("\r%-9s %5.1f%%  %9s / %-9s  %9s/s  ETA %-8s",
			ev.Phase, ev.Percent,
			humanize.Bytes(uint64(ev.BytesDone)), humanize.Bytes(uint64(ev.BytesTotal)),
			humanize.Bytes(uint64(ev.SpeedBytesPerSec)), eta)
	case flash.PhasePreparing:
		fmt.Printf("%s\n", ev.Message)
	default:
		fmt.Printf("\r%-80s\r%s: %s\n", "", ev.Phase, ev.Message)
	}
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
