package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/corekit/coreflash/pkg/checksum"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Working directory for fetched images
	WorkDir string `mapstructure:"work-dir"`

	// Flash engine
	ChunkSize     int           `mapstructure:"chunk-size"`
	EventBuffer   int           `mapstructure:"event-buffer"`
	SpeedWindow   time.Duration `mapstructure:"speed-window"`
	Verify        bool          `mapstructure:"verify"`
	HashAlgorithm string        `mapstructure:"hash-algorithm"`

	// Image limits
	MaxImageSize        int64   `mapstructure:"max-image-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// S3 configuration
	S3Bucket string `mapstructure:"s3-bucket"`
	S3Region string `mapstructure:"s3-region"`

	// Logging
	LogLevel  string `mapstructure:"log-level"`
	LogFormat string `mapstructure:"log-format"`
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("sqlite-path", ".coreflash/history.db")
	v.SetDefault("fsm-db-path", ".coreflash/fsm")
	v.SetDefault("work-dir", ".coreflash/work")
	v.SetDefault("chunk-size", 4*1024*1024)
	v.SetDefault("event-buffer", 64)
	v.SetDefault("speed-window", 3*time.Second)
	v.SetDefault("verify", true)
	v.SetDefault("hash-algorithm", "")
	v.SetDefault("max-image-size", 0)
	v.SetDefault("max-compression-ratio", 1000.0)
	v.SetDefault("s3-bucket", "")
	v.SetDefault("s3-region", "us-east-1")
	v.SetDefault("log-level", "warn")
	v.SetDefault("log-format", "text")
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads configuration through the given viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	// Environment variables (COREFLASH_SQLITE_PATH, etc.)
	v.SetEnvPrefix("COREFLASH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.coreflash")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.ChunkSize <= 0 || c.ChunkSize%512 != 0 {
		return fmt.Errorf("chunk-size must be a positive multiple of 512")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("event-buffer must be positive")
	}
	if c.SpeedWindow <= 0 {
		return fmt.Errorf("speed-window must be positive")
	}
	if c.HashAlgorithm != "" {
		if _, err := checksum.ParseAlgorithm(c.HashAlgorithm); err != nil {
			return fmt.Errorf("hash-algorithm: %w", err)
		}
	}
	if c.MaxImageSize < 0 {
		return fmt.Errorf("max-image-size must be non-negative")
	}
	if c.MaxCompressionRatio < 0 {
		return fmt.Errorf("max-compression-ratio must be non-negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log-format must be text or json")
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log-level: %w", err)
	}
	return level, nil
}
