package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Deletion confirmation modes.
const (
	// ConfirmPrompt asks on the terminal before applying a deletion batch.
	ConfirmPrompt = "prompt"
	// ConfirmAuto accepts every deletion batch without asking. Headless use.
	ConfirmAuto = "auto"
	// ConfirmDeny declines every deletion batch without asking.
	ConfirmDeny = "deny"
)

// Config holds all configuration for foldsync. Values are resolved in three
// layers: built-in defaults, then the optional YAML config file, then
// environment variables.
type Config struct {
	// Remote endpoint base URL, e.g. https://files.example.com.
	ServerURL string `env:"FOLDSYNC_SERVER_URL" yaml:"server_url"`

	// Account credentials. Either may be left empty and supplied
	// interactively when running on a terminal.
	Username string `env:"FOLDSYNC_USERNAME" yaml:"username"`
	Password string `env:"FOLDSYNC_PASSWORD" yaml:"password"`

	// Local directory to keep in sync. Created on first login if absent.
	SyncDir string `env:"FOLDSYNC_DIR" yaml:"dir"`

	// Minutes between scheduled sync cycles.
	IntervalMinutes int `env:"FOLDSYNC_INTERVAL_MINUTES" yaml:"interval_minutes"`

	// Timestamp tolerance window. Modification times closer together than
	// this are considered equal.
	Tolerance time.Duration `env:"FOLDSYNC_TOLERANCE" yaml:"tolerance"`

	// How deletion batches are confirmed: prompt, auto, or deny.
	ConfirmDeletes string `env:"FOLDSYNC_CONFIRM_DELETES" yaml:"confirm_deletes"`

	// Local control API listen address.
	ControlAddr string `env:"FOLDSYNC_CONTROL_ADDR" yaml:"control_addr"`

	// Optional bcrypt hash protecting the control API. Empty disables auth.
	ControlPasswordHash string `env:"FOLDSYNC_CONTROL_PASSWORD_HASH" yaml:"control_password_hash"`

	// Hard wall-clock limit for the final upload pass during shutdown.
	ShutdownTimeout time.Duration `env:"FOLDSYNC_SHUTDOWN_TIMEOUT" yaml:"shutdown_timeout"`

	// Path of the bbolt state database. Defaults to ~/.foldsync/state.db.
	StateDB string `env:"FOLDSYNC_STATE_DB" yaml:"state_db"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"FOLDSYNC_DEVICE_NAME" yaml:"device_name"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" yaml:"environment"`
}

func defaults() *Config {
	return &Config{
		IntervalMinutes: 5,
		Tolerance:       3 * time.Second,
		ConfirmDeletes:  ConfirmPrompt,
		ControlAddr:     "127.0.0.1:7337",
		ShutdownTimeout: 30 * time.Second,
		Environment:     "development",
	}
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load resolves configuration. It loads a .env file if present, applies the
// optional YAML file named by FOLDSYNC_CONFIG over the defaults, then lets
// environment variables override both.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := defaults()

	if path := os.Getenv("FOLDSYNC_CONFIG"); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "foldsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StateDB == "" {
		path, err := DefaultStateDB()
		if err != nil {
			return nil, err
		}

		cfg.StateDB = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve SyncDir to an absolute path at startup. Downstream code
	// guards against path traversal with string prefix comparison, which
	// only works reliably with absolute paths.
	absDir, err := filepath.Abs(cfg.SyncDir)
	if err != nil {
		return nil, fmt.Errorf("resolving sync dir to absolute path: %w", err)
	}

	cfg.SyncDir = absDir

	absDB, err := filepath.Abs(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("resolving state db to absolute path: %w", err)
	}

	cfg.StateDB = absDB

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("FOLDSYNC_SERVER_URL is required")
	}

	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("FOLDSYNC_SERVER_URL must be an http(s) URL")
	}

	if c.SyncDir == "" {
		return fmt.Errorf("FOLDSYNC_DIR is required")
	}

	if c.IntervalMinutes < 1 {
		return fmt.Errorf("FOLDSYNC_INTERVAL_MINUTES must be at least 1")
	}

	if c.Tolerance < 0 {
		return fmt.Errorf("FOLDSYNC_TOLERANCE must not be negative")
	}

	switch c.ConfirmDeletes {
	case ConfirmPrompt, ConfirmAuto, ConfirmDeny:
	default:
		return fmt.Errorf("FOLDSYNC_CONFIRM_DELETES must be %s, %s, or %s", ConfirmPrompt, ConfirmAuto, ConfirmDeny)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("FOLDSYNC_SHUTDOWN_TIMEOUT must be positive")
	}

	return nil
}

// Interval returns the base interval between scheduled sync cycles.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// DefaultStateDB returns the default state database path:
// ~/.foldsync/state.db
func DefaultStateDB() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".foldsync", "state.db"), nil
}
