package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port           int    `yaml:"port"`
	Shell          string `yaml:"shell"`
	Token          string `yaml:"token"`
	DBPath         string `yaml:"db_path"`
	HistoryOff     bool   `yaml:"history_off"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	GracePeriodMS  int    `yaml:"grace_period_ms"`

	ConfigPath string `yaml:"-"`
	PrintToken bool   `yaml:"-"`
}

func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	cfg := defaults()
	cfg.DBPath = filepath.Join(homeDir, ".local", "share", "shellsh", "shellsh.db")
	cfg.ConfigPath = filepath.Join(homeDir, ".config", "shellsh", "config.yaml")

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	flag.IntVar(&cfg.Port, "port", cfg.Port, "server port (1-65535)")
	flag.StringVar(&cfg.Shell, "shell", cfg.Shell, "shell binary spawned for each session")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "authentication token (auto-generated if empty)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the command-history database")
	flag.BoolVar(&cfg.HistoryOff, "no-history", cfg.HistoryOff, "disable the command-history audit log")
	flag.IntVar(&cfg.PollIntervalMS, "poll-interval-ms", cfg.PollIntervalMS, "drain/wait poll interval in milliseconds")
	flag.IntVar(&cfg.GracePeriodMS, "grace-period-ms", cfg.GracePeriodMS, "shutdown grace period in milliseconds before SIGKILL")
	flag.BoolVar(&cfg.PrintToken, "print-token", false, "print token to stdout (for local debugging)")
	flag.Parse()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:           8766,
		Shell:          "/bin/bash",
		PollIntervalMS: 50,
		GracePeriodMS:  2000,
	}
}

// PollInterval returns the drain/wait poll bound as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// GracePeriod returns the shutdown grace window as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodMS) * time.Millisecond
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	if c.Shell == "" {
		return fmt.Errorf("shell must not be empty")
	}
	if c.PollIntervalMS <= 0 {
		return fmt.Errorf("invalid poll interval %dms: must be positive", c.PollIntervalMS)
	}
	if c.GracePeriodMS <= 0 {
		return fmt.Errorf("invalid grace period %dms: must be positive", c.GracePeriodMS)
	}
	return nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid config %q: %w", c.ConfigPath, err)
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.ConfigPath, data, 0o600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
