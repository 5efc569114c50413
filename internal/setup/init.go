// Package setup handles base directory initialization and config loading.
package setup

import (
	"fmt"
	"os"
	"path/filepath"

	"vigil/internal/model"
	"vigil/internal/yamlfile"
)

// DefaultBaseDir is the directory vigil creates next to the project.
const DefaultBaseDir = ".vigil"

// Run initializes the base directory structure and writes a default config.
func Run(baseDir string) error {
	if _, err := os.Stat(filepath.Join(baseDir, "config.yaml")); err == nil {
		return fmt.Errorf("%s already initialized", baseDir)
	}

	dirs := []string{
		"inbox",
		"inbox/processed",
		"queue",
		"pending",
		"approved",
		"rejected",
		"archive/executed",
		"archive/rejected",
		"ledgers",
		"state",
		"alerts",
		"logs/audit",
		"quarantine",
		"locks",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(baseDir, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg := DefaultConfig()
	if err := yamlfile.AtomicWrite(filepath.Join(baseDir, "config.yaml"), cfg); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

// EnsureDirs creates any missing pipeline directories under an already
// initialized base dir.
func EnsureDirs(baseDir string) error {
	for _, d := range []string{"queue", "pending", "approved", "rejected",
		"archive/executed", "archive/rejected", "ledgers", "state", "alerts",
		"logs/audit", "quarantine", "locks"} {
		if err := os.MkdirAll(filepath.Join(baseDir, d), 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", d, err)
		}
	}
	return nil
}

// DefaultConfig returns the configuration written by init.
func DefaultConfig() model.Config {
	return model.Config{
		Project: model.ProjectConfig{
			Name:        "vigil",
			Description: "human-in-the-loop work pipeline",
		},
		Watcher: model.WatcherConfig{
			PollIntervalSec: 60,
			LedgerCap:       10000,
		},
		Daemon: model.DaemonConfig{
			TickIntervalSec:    30,
			HealthEveryTicks:   5,
			PersistEveryTicks:  5,
			ShutdownTimeoutSec: 30,
		},
		Approval: model.ApprovalConfig{
			MaxRetries:    3,
			RetryDelaySec: 5,
			ExpiryHours:   24,
		},
		Health: model.HealthConfig{
			RestartBackoffSec: 2,
			BreakerThreshold:  5,
			BreakerWindowMin:  10,
		},
		Logging: model.LoggingConfig{Level: "info"},
		Jobs: []model.JobConfig{
			{
				Name:      "daily_digest",
				Frequency: "daily",
				TimeOfDay: "08:00",
				Priority:  "high",
				Enabled:   false,
			},
		},
	}
}

// LoadConfig reads config.yaml from baseDir.
func LoadConfig(baseDir string) (model.Config, error) {
	var cfg model.Config
	if err := yamlfile.ReadInto(filepath.Join(baseDir, "config.yaml"), &cfg); err != nil {
		return model.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
