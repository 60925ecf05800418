// Package config loads process configuration from an optional YAML file,
// command line flags, and environment variable overrides. The scheduler's
// business-hours file lives separately under the data dir and hot-reloads.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the orchestrator configuration.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	NodeID      string `yaml:"node_id"`
	WebhookAddr string `yaml:"webhook_addr"`
	AdminAddr   string `yaml:"admin_addr"`

	Redial  RedialConfig  `yaml:"redial"`
	SMS     SMSConfig     `yaml:"sms"`
	Tracker TrackerConfig `yaml:"tracker"`

	Voice VoiceProviderConfig `yaml:"voice"`
	SMSPr SMSProviderConfig   `yaml:"sms_provider"`
	CRM   CRMConfig           `yaml:"crm"`
}

// RedialConfig tunes the retry state machine and its tick loop.
type RedialConfig struct {
	Enabled               bool  `yaml:"enabled"`
	MaxAttempts           int   `yaml:"max_attempts"`
	MaxDailyAttempts      int   `yaml:"max_daily_attempts"`
	ProgressiveIntervals  []int `yaml:"progressive_intervals"`
	MinRetryGapMinutes    int   `yaml:"min_retry_gap_minutes"`
	TickMinutes           int   `yaml:"redial_tick_minutes"`
	ActiveWindowTodayOnly bool  `yaml:"active_window_today_only"`
	RetentionDays         int   `yaml:"retention_days"`
	MaxDialsPerTick       int   `yaml:"max_dials_per_tick"`
}

// SMSConfig tunes the follow-up sequence and its tick loop.
type SMSConfig struct {
	Enabled           bool     `yaml:"enabled"`
	DayGaps           []int    `yaml:"sms_day_gaps"`
	TickMinutes       int      `yaml:"sms_tick_minutes"`
	BusinessHoursOnly bool     `yaml:"sms_business_hours_only"`
	From              string   `yaml:"from"`
	Templates         []string `yaml:"templates"`
}

// TrackerConfig tunes the call-state tracker's flush cadence and stale
// sweep.
type TrackerConfig struct {
	PersistIntervalSeconds int `yaml:"call_state_persist_interval_seconds"`
	StalePendingMaxMinutes int `yaml:"stale_pending_max_minutes"`
}

// VoiceProviderConfig points at the voice-AI provider.
type VoiceProviderConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	PathwayID  string `yaml:"pathway_id"`
	From       string `yaml:"from"`
	WebhookURL string `yaml:"webhook_url"`
}

// SMSProviderConfig points at the SMS provider.
type SMSProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// CRMConfig points at the upstream CRM; empty base URL disables updates.
type CRMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// defaults returns the stock configuration.
func defaults() *Config {
	return &Config{
		DataDir:     "data",
		LogLevel:    "info",
		NodeID:      "outdial-0",
		WebhookAddr: ":8080",
		AdminAddr:   ":8081",
		Redial: RedialConfig{
			Enabled:               true,
			MaxAttempts:           8,
			MaxDailyAttempts:      8,
			ProgressiveIntervals:  []int{0, 0, 5, 10, 30, 60, 120},
			MinRetryGapMinutes:    2,
			TickMinutes:           5,
			ActiveWindowTodayOnly: true,
			RetentionDays:         30,
			MaxDialsPerTick:       50,
		},
		SMS: SMSConfig{
			Enabled:           true,
			DayGaps:           []int{0, 1, 3, 7},
			TickMinutes:       5,
			BusinessHoursOnly: true,
		},
		Tracker: TrackerConfig{
			PersistIntervalSeconds: 30,
			StalePendingMaxMinutes: 180,
		},
	}
}

// Load reads configuration: defaults, then the YAML file (if present), then
// flags, then environment overrides.
func Load() (*Config, error) {
	cfg := defaults()

	var configPath string
	flag.StringVar(&configPath, "config", "outdial.yaml", "Path to YAML configuration file")
	flag.StringVar(&cfg.DataDir, "data", cfg.DataDir, "Data directory for persisted state")
	flag.StringVar(&cfg.LogLevel, "loglevel", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.WebhookAddr, "webhook-addr", cfg.WebhookAddr, "Webhook listen address")
	flag.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "Admin API listen address")
	flag.Parse()

	if err := cfg.loadFile(configPath); err != nil {
		return nil, err
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays the YAML file onto cfg. A missing file is not an error.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnv applies environment overrides. Secrets normally arrive this way.
func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr("DATA_DIR", &c.DataDir)
	setStr("LOGLEVEL", &c.LogLevel)
	setStr("LOG_FILE", &c.LogFile)
	setStr("NODE_ID", &c.NodeID)
	setStr("WEBHOOK_ADDR", &c.WebhookAddr)
	setStr("ADMIN_ADDR", &c.AdminAddr)
	setStr("VOICE_BASE_URL", &c.Voice.BaseURL)
	setStr("VOICE_API_KEY", &c.Voice.APIKey)
	setStr("VOICE_PATHWAY_ID", &c.Voice.PathwayID)
	setStr("VOICE_FROM", &c.Voice.From)
	setStr("VOICE_WEBHOOK_URL", &c.Voice.WebhookURL)
	setStr("SMS_BASE_URL", &c.SMSPr.BaseURL)
	setStr("SMS_API_KEY", &c.SMSPr.APIKey)
	setStr("SMS_FROM", &c.SMS.From)
	setStr("CRM_BASE_URL", &c.CRM.BaseURL)
	setStr("CRM_API_KEY", &c.CRM.APIKey)

	if v := os.Getenv("MAX_DIALS_PER_TICK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redial.MaxDialsPerTick = n
		}
	}
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Redial.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", c.Redial.MaxAttempts)
	}
	if c.Redial.MaxDailyAttempts <= 0 {
		return fmt.Errorf("max_daily_attempts must be positive, got %d", c.Redial.MaxDailyAttempts)
	}
	if c.Redial.MinRetryGapMinutes < 0 {
		return fmt.Errorf("min_retry_gap_minutes must not be negative, got %d", c.Redial.MinRetryGapMinutes)
	}
	if c.Redial.TickMinutes <= 0 || c.SMS.TickMinutes <= 0 {
		return fmt.Errorf("tick intervals must be positive")
	}
	if c.Tracker.PersistIntervalSeconds <= 0 || c.Tracker.StalePendingMaxMinutes <= 0 {
		return fmt.Errorf("tracker intervals must be positive")
	}
	return nil
}
