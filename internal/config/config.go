package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Spool    SpoolConfig    `yaml:"spool"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Transfer TransferConfig `yaml:"transfer"`
	Quota    QuotaConfig    `yaml:"quota"`
	Auth     AuthConfig     `yaml:"auth"`
	Webhooks WebhookConfig  `yaml:"webhooks"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SpoolConfig controls the job pipeline: where uploads land, how many
// workers drain the pipeline, and when stuck jobs get swept.
type SpoolConfig struct {
	Dir            string        `yaml:"dir"`
	Workers        int           `yaml:"workers"`
	MaxPagesPerJob int           `yaml:"max_pages_per_job"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	RetainData     time.Duration `yaml:"retain_data"`
}

type AnalyzerConfig struct {
	GhostscriptPath string        `yaml:"ghostscript_path"`
	Timeout         time.Duration `yaml:"timeout"`
}

type TransferConfig struct {
	SmbclientPath string        `yaml:"smbclient_path"`
	Timeout       time.Duration `yaml:"timeout"`
	DummyDelay    time.Duration `yaml:"dummy_delay"`
}

// QuotaConfig carries the per-semester allowance tiers. Semesters before
// TierBoundaryYear grant PagesPerSemesterOld pages, later ones
// PagesPerSemester; anything before CutoffYear grants nothing.
type QuotaConfig struct {
	PagesPerSemester    int      `yaml:"pages_per_semester"`
	PagesPerSemesterOld int      `yaml:"pages_per_semester_old"`
	TierBoundaryYear    int      `yaml:"tier_boundary_year"`
	CutoffYear          int      `yaml:"cutoff_year"`
	EligibleGroups      []string `yaml:"eligible_groups"`
}

type AuthConfig struct {
	AdminPasswordHash string `yaml:"admin_password_hash"`
	TokenSecret       string `yaml:"token_secret"`
}

type WebhookEndpoint struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Wants reports whether the endpoint subscribed to the event. An empty
// event list subscribes to everything.
func (e WebhookEndpoint) Wants(event string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, ev := range e.Events {
		if ev == event {
			return true
		}
	}
	return false
}

type WebhookConfig struct {
	Endpoints  []WebhookEndpoint `yaml:"endpoints"`
	RetryCount int               `yaml:"retry_count"`
	RetryDelay time.Duration     `yaml:"retry_delay"`
	Timeout    time.Duration     `yaml:"timeout"`
	Workers    int               `yaml:"workers"`
	QueueSize  int               `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/dispatch.db",
		},
		Spool: SpoolConfig{
			Dir:            "./data/spool",
			Workers:        10,
			MaxPagesPerJob: 100,
			JobTimeout:     30 * time.Minute,
			SweepInterval:  30 * time.Minute,
			RetainData:     14 * 24 * time.Hour,
		},
		Analyzer: AnalyzerConfig{
			GhostscriptPath: "gs",
			Timeout:         2 * time.Minute,
		},
		Transfer: TransferConfig{
			SmbclientPath: "smbclient",
			Timeout:       5 * time.Minute,
			DummyDelay:    2 * time.Second,
		},
		Quota: QuotaConfig{
			PagesPerSemester:    250,
			PagesPerSemesterOld: 1000,
			TierBoundaryYear:    2021,
			CutoffYear:          2012,
			EligibleGroups:      []string{"students"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

func LoadFromEnv() *Config {
	cfg := defaults()

	if v := os.Getenv("DISPATCH_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("DISPATCH_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("DISPATCH_SPOOL_DIR"); v != "" {
		cfg.Spool.Dir = v
	}

	if v := os.Getenv("DISPATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return cfg
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Spool.Dir == "" {
		return fmt.Errorf("spool dir is required")
	}

	if c.Spool.Workers < 1 {
		return fmt.Errorf("spool workers must be at least 1")
	}

	if c.Spool.MaxPagesPerJob < 0 {
		return fmt.Errorf("max pages per job must be non-negative")
	}

	if c.Spool.JobTimeout < 0 {
		return fmt.Errorf("job timeout must be non-negative")
	}

	if c.Spool.RetainData < 0 {
		return fmt.Errorf("retain data window must be non-negative")
	}

	if c.Analyzer.GhostscriptPath == "" {
		return fmt.Errorf("ghostscript path is required")
	}

	if c.Quota.PagesPerSemester < 0 || c.Quota.PagesPerSemesterOld < 0 {
		return fmt.Errorf("pages per semester must be non-negative")
	}

	if c.Quota.CutoffYear > c.Quota.TierBoundaryYear {
		return fmt.Errorf("cutoff year must not be after tier boundary year")
	}

	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhook endpoint %d has no url", i)
		}
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}
