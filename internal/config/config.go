// Package config loads server settings from an optional YAML file and
// TRADEGATE_* environment variables. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`
	Version    string `yaml:"version"`

	JobBackend string `yaml:"job_backend"`
	DBPath     string `yaml:"db_path"`

	Concurrency            int `yaml:"concurrency"`
	QueueSize              int `yaml:"queue_size"`
	JobTTLHours            int `yaml:"job_ttl_hours"`
	CleanupIntervalMinutes int `yaml:"cleanup_interval_minutes"`

	EngineCommand       string   `yaml:"engine_command"`
	EngineArgs          []string `yaml:"engine_args"`
	ResetTimeoutSeconds int      `yaml:"reset_timeout_seconds"`
	MinEntryLength      int      `yaml:"min_entry_length"`

	RateLimitRPS int      `yaml:"rate_limit_rps"`
	CORSOrigins  []string `yaml:"cors_origins"`
	WebhookURL   string   `yaml:"webhook_url"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ListenAddr:             ":8080",
		DataDir:                "data",
		Version:                "dev",
		JobBackend:             BackendFile,
		Concurrency:            1,
		QueueSize:              100,
		CleanupIntervalMinutes: 60,
		EngineCommand:          "tradingagents-run",
		ResetTimeoutSeconds:    60,
		MinEntryLength:         20,
		RateLimitRPS:           2,
	}
}

// Load reads TRADEGATE_CONFIG_FILE when set, then applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("TRADEGATE_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.ListenAddr = getEnv("TRADEGATE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataDir = getEnv("TRADEGATE_DATA_DIR", cfg.DataDir)
	cfg.Version = getEnv("TRADEGATE_VERSION", cfg.Version)
	cfg.JobBackend = getEnv("TRADEGATE_JOB_BACKEND", cfg.JobBackend)
	cfg.DBPath = getEnv("TRADEGATE_DB_PATH", cfg.DBPath)
	cfg.EngineCommand = getEnv("TRADEGATE_ENGINE_COMMAND", cfg.EngineCommand)
	cfg.WebhookURL = getEnv("TRADEGATE_WEBHOOK_URL", cfg.WebhookURL)
	if v := os.Getenv("TRADEGATE_ENGINE_ARGS"); v != "" {
		cfg.EngineArgs = strings.Fields(v)
	}
	if v := os.Getenv("TRADEGATE_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"TRADEGATE_CONCURRENCY", &cfg.Concurrency},
		{"TRADEGATE_QUEUE_SIZE", &cfg.QueueSize},
		{"TRADEGATE_JOB_TTL_HOURS", &cfg.JobTTLHours},
		{"TRADEGATE_CLEANUP_INTERVAL_MINUTES", &cfg.CleanupIntervalMinutes},
		{"TRADEGATE_RESET_TIMEOUT_SECONDS", &cfg.ResetTimeoutSeconds},
		{"TRADEGATE_MIN_ENTRY_LENGTH", &cfg.MinEntryLength},
		{"TRADEGATE_RATE_LIMIT_RPS", &cfg.RateLimitRPS},
	}
	for _, f := range ints {
		n, err := getEnvInt(f.key, *f.dst)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir must not be empty"))
	}
	if c.JobBackend != BackendFile && c.JobBackend != BackendSQLite {
		errs = append(errs, fmt.Errorf("job backend %q must be one of: file, sqlite", c.JobBackend))
	}
	if c.Concurrency < 1 {
		errs = append(errs, errors.New("concurrency must be > 0"))
	}
	if c.QueueSize < 1 {
		errs = append(errs, errors.New("queue size must be > 0"))
	}
	if c.JobTTLHours < 0 {
		errs = append(errs, errors.New("job TTL hours must be >= 0"))
	}
	if c.CleanupIntervalMinutes < 1 {
		errs = append(errs, errors.New("cleanup interval minutes must be > 0"))
	}
	if strings.TrimSpace(c.EngineCommand) == "" {
		errs = append(errs, errors.New("engine command must not be empty"))
	}
	if c.ResetTimeoutSeconds < 0 {
		errs = append(errs, errors.New("reset timeout seconds must be >= 0"))
	}
	if c.MinEntryLength < 0 {
		errs = append(errs, errors.New("min entry length must be >= 0"))
	}
	if c.RateLimitRPS < 0 {
		errs = append(errs, errors.New("rate limit rps must be >= 0"))
	}
	return errors.Join(errs...)
}

// JobsDir holds one status record per session for the file backend.
func (c *Config) JobsDir() string { return filepath.Join(c.DataDir, "jobs") }

// ArchiveDir holds the permanent analysis archive.
func (c *Config) ArchiveDir() string { return filepath.Join(c.DataDir, "archive") }

// DownloadsDir holds the latest downloadable report per ticker and date.
func (c *Config) DownloadsDir() string { return filepath.Join(c.DataDir, "downloads") }

// SQLitePath returns DBPath, defaulting to a database inside DataDir.
func (c *Config) SQLitePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "jobs.db")
}

func (c *Config) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
