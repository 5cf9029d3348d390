// Package config loads and validates the system configuration for the
// orchestration core: system settings, analysis queue tuning, runtime
// limits, and cron schedule definitions.
package config

import (
	"time"
)

// Config is the fully loaded, validated system configuration.
type Config struct {
	System    SystemConfig     `yaml:"system"`
	Analysis  AnalysisConfig   `yaml:"analysis"`
	Runtime   RuntimeConfig    `yaml:"runtime"`
	Schedules []ScheduleConfig `yaml:"schedules"`

	// Directories holding declarative agent and skill documents.
	AgentsDir string `yaml:"agents_dir"`
	SkillsDir string `yaml:"skills_dir"`
}

// SystemConfig groups system-wide infrastructure settings.
type SystemConfig struct {
	ListenAddr       string       `yaml:"listen_addr"`
	DashboardURL     string       `yaml:"dashboard_url"`
	AllowedWSOrigins []string     `yaml:"allowed_ws_origins"`
	Artifacts        ArtifactsConfig `yaml:"artifacts"`
	Slack            SlackConfig  `yaml:"slack"`
	Retention        RetentionConfig `yaml:"retention"`
}

// ArtifactsConfig controls report/log prefetch by the analysis worker.
type ArtifactsConfig struct {
	AllowedDomains []string      `yaml:"allowed_domains"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	MaxBytes       int64         `yaml:"max_bytes"`
}

// SlackConfig holds team-chat notification settings.
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	TokenEnv string `yaml:"token_env"`
	Channel  string `yaml:"channel"`
}

// RetentionConfig bounds the growth of the persisted event log.
type RetentionConfig struct {
	EventLogMaxAge time.Duration `yaml:"event_log_max_age"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

// AnalysisConfig contains completion-queue worker tuning.
type AnalysisConfig struct {
	QueueName string `yaml:"queue_name"`

	// PollInterval is the base interval for checking pending tasks.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter randomizes polling: actual = PollInterval ± jitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// MaxConcurrent bounds parallel analyses (semaphore).
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxAttempts bounds retries per task before it is marked failed.
	MaxAttempts int `yaml:"max_attempts"`

	// OrphanThreshold is how long a claimed task may go without completing
	// before it is requeued.
	OrphanThreshold time.Duration `yaml:"orphan_threshold"`

	// OrphanScanInterval is how often to scan for orphaned tasks.
	OrphanScanInterval time.Duration `yaml:"orphan_scan_interval"`
}

// RuntimeConfig contains agent-runtime tuning.
type RuntimeConfig struct {
	// EventQueueDepth bounds each instance's buffered event queue.
	EventQueueDepth int `yaml:"event_queue_depth"`

	// DefaultTaskTimeout applies when neither agent config nor skill
	// override a timeout.
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout"`

	// DefaultMaxParallelTasks applies when an agent declares none.
	DefaultMaxParallelTasks int `yaml:"default_max_parallel_tasks"`

	// TurnTimeout bounds a single LLM turn.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// LockSweepInterval is the lock manager's expiration sweep period.
	LockSweepInterval time.Duration `yaml:"lock_sweep_interval"`
}

// ScheduleConfig is one cron-driven event source entry.
type ScheduleConfig struct {
	Name    string         `yaml:"name"`
	Cron    string         `yaml:"cron"`
	Payload map[string]any `yaml:"payload"`
}

// Defaults returns the built-in configuration baseline. User YAML is merged
// on top of it (user values win).
func Defaults() *Config {
	return &Config{
		System: SystemConfig{
			ListenAddr: ":8080",
			Artifacts: ArtifactsConfig{
				FetchTimeout: 30 * time.Second,
				MaxBytes:     4 << 20,
			},
			Retention: RetentionConfig{
				EventLogMaxAge: 30 * 24 * time.Hour,
				SweepInterval:  time.Hour,
			},
		},
		Analysis: AnalysisConfig{
			QueueName:          "analysis",
			PollInterval:       5 * time.Second,
			PollIntervalJitter: 500 * time.Millisecond,
			MaxConcurrent:      3,
			MaxAttempts:        3,
			OrphanThreshold:    5 * time.Minute,
			OrphanScanInterval: time.Minute,
		},
		Runtime: RuntimeConfig{
			EventQueueDepth:         64,
			DefaultTaskTimeout:      15 * time.Minute,
			DefaultMaxParallelTasks: 3,
			TurnTimeout:             2 * time.Minute,
			LockSweepInterval:       30 * time.Second,
		},
		AgentsDir: "./agents",
		SkillsDir: "./skills",
	}
}
