// Package config loads the process-wide settings that adapters thread into
// the core component constructors (spec §9: "no hidden global state").
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds all configuration for the firmwareforge core and its adapters.
type Config struct {
	// HTTP facade configuration (adapter concern, threaded through here so
	// a single Config instance covers the whole process per spec §9).
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	// State store (C6).
	DatabasePath string `mapstructure:"database_path"`
	DatabaseDSN  string `mapstructure:"database_dsn"` // loaded but not used: the store always opens DatabasePath

	// Toolchain cache (C3) and build engine (C4) file-system roots, per §6.
	CacheRoot     string `mapstructure:"cache_root"`
	ArtifactsRoot string `mapstructure:"artifacts_root"`
	UpstreamURL   string `mapstructure:"upstream_url"`
	OfflineMode   bool   `mapstructure:"offline_mode"`

	// Build engine (C4).
	BuildParallelism     int `mapstructure:"build_parallelism"`
	BuildTimeoutSeconds  int `mapstructure:"build_timeout_seconds"`
	BuildKillGraceSeconds int `mapstructure:"build_kill_grace_seconds"`
	KeepBuildDir         bool `mapstructure:"keep_build_dir"`

	// Toolchain cache (C3).
	DownloadTimeoutSeconds int `mapstructure:"download_timeout_seconds"`

	// Flash engine (C5).
	FlashTimeoutSeconds int `mapstructure:"flash_timeout_seconds"`
	FlashChunkBytes     int `mapstructure:"flash_chunk_bytes"`

	// Logging.
	LogLevel string `mapstructure:"log_level"`
}

// Load loads configuration from environment and an optional config file.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvPrefix("FIRMWAREFORGE")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/firmwareforge/")
	v.AddConfigPath("$HOME/.firmwareforge")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("failed to expand paths: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("server_port", 8080)

	v.SetDefault("database_path", "./data/firmwareforge.db")
	v.SetDefault("database_dsn", "")

	v.SetDefault("cache_root", "./data/toolchains")
	v.SetDefault("artifacts_root", "./data/artifacts")
	v.SetDefault("upstream_url", "https://downloads.openwrt.org")
	v.SetDefault("offline_mode", false)

	v.SetDefault("build_parallelism", 4)
	v.SetDefault("build_timeout_seconds", 1800) // 30 minutes
	v.SetDefault("build_kill_grace_seconds", 10)
	v.SetDefault("keep_build_dir", false)

	v.SetDefault("download_timeout_seconds", 600) // 10 minutes

	v.SetDefault("flash_timeout_seconds", 3600) // 1 hour
	v.SetDefault("flash_chunk_bytes", 4*1024*1024)

	v.SetDefault("log_level", "info")
}

func (c *Config) expandPaths() error {
	var err error

	c.DatabasePath, err = expandPath(c.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to expand database_path: %w", err)
	}

	c.CacheRoot, err = expandPath(c.CacheRoot)
	if err != nil {
		return fmt.Errorf("failed to expand cache_root: %w", err)
	}

	c.ArtifactsRoot, err = expandPath(c.ArtifactsRoot)
	if err != nil {
		return fmt.Errorf("failed to expand artifacts_root: %w", err)
	}

	return nil
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}

	return filepath.Abs(path)
}

// Validate checks the configuration for obviously invalid values.
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}
	if c.UpstreamURL == "" && !c.OfflineMode {
		return fmt.Errorf("upstream_url is required unless offline_mode is set")
	}
	if c.BuildParallelism < 1 {
		return fmt.Errorf("build_parallelism must be at least 1")
	}
	if c.FlashChunkBytes < 4*1024*1024 {
		return fmt.Errorf("flash_chunk_bytes must be at least 4 MiB per spec §4.5")
	}
	return nil
}
