package model

type Config struct {
	Project  ProjectConfig  `yaml:"project"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Approval ApprovalConfig `yaml:"approval"`
	Health   HealthConfig   `yaml:"health"`
	Logging  LoggingConfig  `yaml:"logging"`
	Jobs     []JobConfig    `yaml:"jobs"`
}

type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type WatcherConfig struct {
	PollIntervalSec int `yaml:"poll_interval_sec"`
	LedgerCap       int `yaml:"ledger_cap"`
}

type DaemonConfig struct {
	TickIntervalSec    int `yaml:"tick_interval_sec"`
	HealthEveryTicks   int `yaml:"health_every_ticks"`
	PersistEveryTicks  int `yaml:"persist_every_ticks"`
	ShutdownTimeoutSec int `yaml:"shutdown_timeout_sec"`
}

type ApprovalConfig struct {
	MaxRetries    int `yaml:"max_retries"`
	RetryDelaySec int `yaml:"retry_delay_sec"`
	ExpiryHours   int `yaml:"expiry_hours"`
}

type HealthConfig struct {
	RestartBackoffSec int `yaml:"restart_backoff_sec"`
	BreakerThreshold  int `yaml:"breaker_threshold"`
	BreakerWindowMin  int `yaml:"breaker_window_min"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// JobConfig is a declarative recurring task definition. Exactly one of the
// time-of-day fields or interval_minutes is meaningful, depending on frequency.
type JobConfig struct {
	Name            string   `yaml:"name"`
	Frequency       string   `yaml:"frequency"`
	Days            []string `yaml:"days,omitempty"`
	TimeOfDay       string   `yaml:"time_of_day,omitempty"`
	IntervalMinutes int      `yaml:"interval_minutes,omitempty"`
	Priority        string   `yaml:"priority,omitempty"`
	Enabled         bool     `yaml:"enabled"`
	TimeoutSec      int      `yaml:"timeout_sec,omitempty"`
	Command         string   `yaml:"command,omitempty"`
}
