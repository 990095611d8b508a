package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromFileParsesYAML(t *testing.T) {
	cfg := defaults()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "config.yaml")

	content := "port: 9999\nshell: /bin/sh\ntoken: test-token\ndb_path: /tmp/custom/shellsh.db\npoll_interval_ms: 25\n"
	if err := os.WriteFile(cfg.ConfigPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}

	if err := cfg.loadFromFile(); err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}

	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.Shell != "/bin/sh" {
		t.Errorf("Shell = %q, want /bin/sh", cfg.Shell)
	}
	if cfg.DBPath != "/tmp/custom/shellsh.db" {
		t.Errorf("DBPath = %q, want /tmp/custom/shellsh.db", cfg.DBPath)
	}
	if cfg.PollInterval() != 25*time.Millisecond {
		t.Errorf("PollInterval = %v, want 25ms", cfg.PollInterval())
	}
	// Fields absent from the file keep their defaults.
	if cfg.GracePeriod() != 2*time.Second {
		t.Errorf("GracePeriod = %v, want 2s", cfg.GracePeriod())
	}
}

func TestSaveToFileRoundTrips(t *testing.T) {
	cfg := defaults()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg.Token = "round-trip"

	if err := cfg.saveToFile(); err != nil {
		t.Fatalf("saveToFile() error = %v", err)
	}

	reloaded := defaults()
	reloaded.ConfigPath = cfg.ConfigPath
	if err := reloaded.loadFromFile(); err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}
	if reloaded.Token != "round-trip" {
		t.Errorf("Token = %q, want round-trip", reloaded.Token)
	}
	if reloaded.Port != cfg.Port {
		t.Errorf("Port = %d, want %d", reloaded.Port, cfg.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaults()
	cfg.Port = 0
	if err := cfg.validate(); err == nil {
		t.Error("expected invalid port to be rejected")
	}

	cfg = defaults()
	cfg.Shell = ""
	if err := cfg.validate(); err == nil {
		t.Error("expected empty shell to be rejected")
	}

	cfg = defaults()
	cfg.PollIntervalMS = 0
	if err := cfg.validate(); err == nil {
		t.Error("expected zero poll interval to be rejected")
	}
}
