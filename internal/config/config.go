package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries the process-wide settings loaded from the environment.
type Config struct {
	DataDir        string
	Port           int
	DefaultTimeout time.Duration
	SyncInterval   time.Duration
	HistoryKeep    int
	AgentBin       string
	AgentWorkDir   string
}

// Load reads configuration from the environment, after loading a .env
// file when one is present in the working directory.
func Load() (Config, error) {
	// Missing .env is fine; explicit env vars win either way
	_ = godotenv.Load()

	cfg := Config{
		DataDir:        os.Getenv("AIDE_DATA"),
		Port:           8080,
		DefaultTimeout: 30 * time.Minute,
		SyncInterval:   10 * time.Second,
		HistoryKeep:    50,
		AgentBin:       os.Getenv("AIDE_AGENT_BIN"),
		AgentWorkDir:   os.Getenv("AIDE_AGENT_WORKDIR"),
	}

	if cfg.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return cfg, fmt.Errorf("getting home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(homeDir, ".aide")
	}

	if v := os.Getenv("AIDE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid AIDE_PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("AIDE_DEFAULT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid AIDE_DEFAULT_TIMEOUT %q: %w", v, err)
		}
		cfg.DefaultTimeout = d
	}
	if v := os.Getenv("AIDE_SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid AIDE_SYNC_INTERVAL %q: %w", v, err)
		}
		cfg.SyncInterval = d
	}
	if v := os.Getenv("AIDE_HISTORY_KEEP"); v != "" {
		keep, err := strconv.Atoi(v)
		if err != nil || keep <= 0 {
			return cfg, fmt.Errorf("invalid AIDE_HISTORY_KEEP %q", v)
		}
		cfg.HistoryKeep = keep
	}

	return cfg, nil
}

// DBPath returns the SQLite database location under the data directory.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "aide.db")
}
