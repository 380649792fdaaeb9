package config

import (
	"github.com/bytedance/sonic"
)

type (
	Config struct {
		Logging   LoggingConfig   `yaml:"logging"`
		Store     StoreConfig     `yaml:"store"`
		Scheduler SchedulerConfig `yaml:"scheduler"`
		Poster    PosterConfig    `yaml:"poster"`
		API       APIConfig       `yaml:"api"`
	}

	LoggingConfig struct {
		Level      string `yaml:"level"`  // debug, info, warn, error
		Format     string `yaml:"format"` // json, text
		Output     string `yaml:"output"` // stdout, file, both
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"` // MB
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"` // days
	}

	StoreConfig struct {
		DataDir string `yaml:"data_dir"`
		KeyFile string `yaml:"key_file"`
	}

	// SchedulerConfig carries every pacing and retry knob of the
	// scheduling engine. All values are optional; Validate substitutes
	// defaults.
	SchedulerConfig struct {
		SweepIntervalSec    int `yaml:"sweep_interval_seconds"`
		MinTargetDelaySec   int `yaml:"min_target_delay_seconds"`
		MaxTargetDelaySec   int `yaml:"max_target_delay_seconds"`
		RetryDelayMinutes   int `yaml:"retry_delay_minutes"`
		InterJobCooldownSec int `yaml:"inter_job_cooldown_seconds"`
		RecentGuardSec      int `yaml:"recent_execution_guard_seconds"`
		TargetTimeoutSec    int `yaml:"target_timeout_seconds"`
		QueueCapacity       int `yaml:"queue_capacity"`
	}

	PosterConfig struct {
		Type     string         `yaml:"type"` // telegram
		Telegram TelegramConfig `yaml:"telegram"`
	}

	TelegramConfig struct {
		Token string `yaml:"token"`
		// TokenFile points at a sealed token written by "groupcast init
		// --seal-token"; takes precedence over the plaintext Token.
		TokenFile string `yaml:"token_file"`
	}

	APIConfig struct {
		Enabled           bool   `yaml:"enabled"`
		Bind              string `yaml:"bind"`
		RequestTimeoutSec int    `yaml:"request_timeout"`
	}
)

// Clone returns a deep copy via JSON round trip.
func (c *Config) Clone() (*Config, error) {
	raw, err := sonic.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out Config
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
