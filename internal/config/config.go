// Package config loads process configuration from the environment,
// with an optional .env file for development setups.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults applied when the environment leaves a knob unset.
const (
	DefaultMaxConcurrent = 3
	DefaultAPIPort       = 8730
	DefaultCleanupTTL    = 24 * time.Hour
)

// Config is the process configuration, passed explicitly into each
// component's constructor.
type Config struct {
	DBPath        string
	DownloadDir   string
	LogDir        string
	MaxConcurrent int
	APIEnabled    bool
	APIPort       int
	CleanupTTL    time.Duration
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present; real environment
// variables win.
func Load() (Config, error) {
	// Ignore a missing .env; it is a development convenience.
	_ = godotenv.Load()

	dataDir, err := defaultDataDir()
	if err != nil {
		return Config{}, err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("failed to resolve home directory: %w", err)
	}

	cfg := Config{
		DBPath:        envString("VIDFARM_DB_PATH", filepath.Join(dataDir, "vidfarm.db")),
		DownloadDir:   envString("VIDFARM_DOWNLOAD_DIR", filepath.Join(home, "Downloads")),
		LogDir:        envString("VIDFARM_LOG_DIR", filepath.Join(dataDir, "logs")),
		MaxConcurrent: envInt("VIDFARM_MAX_CONCURRENT", DefaultMaxConcurrent),
		APIEnabled:    envBool("VIDFARM_API_ENABLED", true),
		APIPort:       envInt("VIDFARM_API_PORT", DefaultAPIPort),
		CleanupTTL:    envDuration("VIDFARM_CLEANUP_TTL", DefaultCleanupTTL),
	}
	return cfg, nil
}

func defaultDataDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve config directory: %w", err)
	}
	return filepath.Join(configDir, "vidfarm"), nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
