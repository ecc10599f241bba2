package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "coreflash",
	Short: "Write disk images to removable drives",
	Long: `coreflash lists removable drives, validates ISO/IMG/DMG images (or a ZIP
holding exactly one), writes them to a raw device in fixed-size chunks and
verifies the result byte for byte. System and fixed disks are never offered.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("sqlite-path", ".coreflash/history.db", "SQLite history database path")
	flags.String("fsm-db-path", ".coreflash/fsm", "FSM state directory")
	flags.String("work-dir", ".coreflash/work", "Directory for fetched images")
	flags.Int("chunk-size", 4*1024*1024, "Write chunk size in bytes")
	flags.Int64("max-image-size", 0, "Reject images larger than this many bytes (0 = no limit)")
	flags.Float64("max-compression-ratio", 1000.0, "Reject ZIP members compressed beyond this ratio")
	flags.String("s3-bucket", "", "S3 bucket holding images")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")

	for _, key := range []string{
		"sqlite-path", "fsm-db-path", "work-dir", "chunk-size", "max-image-size",
		"max-compression-ratio", "s3-bucket", "s3-region", "log-level", "log-format",
	} {
		viper.BindPFlag(key, flags.Lookup(key))
	}
}
