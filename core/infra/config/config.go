package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultRedisURL     = "redis://localhost:6379"
	defaultNATSURL      = "nats://localhost:4222"
	defaultHistoryLevel = "audit"
	defaultJobWorkers   = 4
	defaultPollInterval = 500 * time.Millisecond
	defaultLockTTL      = 30 * time.Second
	defaultJobRetries   = 3
	defaultBackoffInit  = 5 * time.Second
	defaultBackoffMult  = 2.0
	defaultBackoffMax   = 5 * time.Minute
	defaultMetricsAddr  = ":9402"

	envRedisURL          = "REDIS_URL"
	envNATSURL           = "NATS_URL"
	envHistoryLevel      = "HISTORY_LEVEL"
	envAuthEnabled       = "AUTHORIZATION_ENABLED"
	envJobWorkers        = "JOB_WORKERS"
	envJobPollInterval   = "JOB_POLL_INTERVAL"
	envJobLockTTL        = "JOB_LOCK_TTL"
	envJobRetries        = "JOB_RETRIES"
	envJobBackoffInitial = "JOB_BACKOFF_INITIAL"
	envJobBackoffMult    = "JOB_BACKOFF_MULTIPLIER"
	envJobBackoffMax     = "JOB_BACKOFF_MAX"
	envMetricsAddr       = "METRICS_ADDR"
	envConfigPath        = "ENGINE_CONFIG_PATH"
)

// Config holds runtime configuration for the engine.
type Config struct {
	RedisURL             string
	NatsURL              string
	HistoryLevel         string
	AuthorizationEnabled bool
	JobWorkers           int
	JobPollInterval      time.Duration
	JobLockTTL           time.Duration
	JobRetries           int
	JobBackoffInitial    time.Duration
	JobBackoffMultiplier float64
	JobBackoffMax        time.Duration
	MetricsAddr          string
}

// Load returns configuration from environment variables with sane defaults.
// When ENGINE_CONFIG_PATH points at a YAML file it is applied first, with
// environment variables overriding individual fields.
func Load() (*Config, error) {
	cfg := &Config{
		RedisURL:             defaultRedisURL,
		NatsURL:              defaultNATSURL,
		HistoryLevel:         defaultHistoryLevel,
		AuthorizationEnabled: true,
		JobWorkers:           defaultJobWorkers,
		JobPollInterval:      defaultPollInterval,
		JobLockTTL:           defaultLockTTL,
		JobRetries:           defaultJobRetries,
		JobBackoffInitial:    defaultBackoffInit,
		JobBackoffMultiplier: defaultBackoffMult,
		JobBackoffMax:        defaultBackoffMax,
		MetricsAddr:          defaultMetricsAddr,
	}

	if path := strings.TrimSpace(os.Getenv(envConfigPath)); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	applyString(&cfg.RedisURL, envRedisURL)
	applyString(&cfg.NatsURL, envNATSURL)
	applyString(&cfg.HistoryLevel, envHistoryLevel)
	applyString(&cfg.MetricsAddr, envMetricsAddr)
	applyBool(&cfg.AuthorizationEnabled, envAuthEnabled)
	applyInt(&cfg.JobWorkers, envJobWorkers)
	applyInt(&cfg.JobRetries, envJobRetries)
	applyDuration(&cfg.JobPollInterval, envJobPollInterval)
	applyDuration(&cfg.JobLockTTL, envJobLockTTL)
	applyDuration(&cfg.JobBackoffInitial, envJobBackoffInitial)
	applyDuration(&cfg.JobBackoffMax, envJobBackoffMax)
	applyFloat(&cfg.JobBackoffMultiplier, envJobBackoffMult)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileConfig mirrors Config with durations as strings so YAML files can use
// values like "30s" or "5m".
type fileConfig struct {
	RedisURL             *string  `yaml:"redis_url"`
	NatsURL              *string  `yaml:"nats_url"`
	HistoryLevel         *string  `yaml:"history_level"`
	AuthorizationEnabled *bool    `yaml:"authorization_enabled"`
	JobWorkers           *int     `yaml:"job_workers"`
	JobPollInterval      *string  `yaml:"job_poll_interval"`
	JobLockTTL           *string  `yaml:"job_lock_ttl"`
	JobRetries           *int     `yaml:"job_retries"`
	JobBackoffInitial    *string  `yaml:"job_backoff_initial"`
	JobBackoffMultiplier *float64 `yaml:"job_backoff_multiplier"`
	JobBackoffMax        *string  `yaml:"job_backoff_max"`
	MetricsAddr          *string  `yaml:"metrics_addr"`
}

// ApplyFile overlays settings from a YAML file onto the config.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read engine config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse engine config %s: %w", path, err)
	}
	setString(&c.RedisURL, fc.RedisURL)
	setString(&c.NatsURL, fc.NatsURL)
	setString(&c.HistoryLevel, fc.HistoryLevel)
	setString(&c.MetricsAddr, fc.MetricsAddr)
	if fc.AuthorizationEnabled != nil {
		c.AuthorizationEnabled = *fc.AuthorizationEnabled
	}
	if fc.JobWorkers != nil {
		c.JobWorkers = *fc.JobWorkers
	}
	if fc.JobRetries != nil {
		c.JobRetries = *fc.JobRetries
	}
	if fc.JobBackoffMultiplier != nil {
		c.JobBackoffMultiplier = *fc.JobBackoffMultiplier
	}
	if err := setDuration(&c.JobPollInterval, fc.JobPollInterval); err != nil {
		return fmt.Errorf("parse engine config %s: %w", path, err)
	}
	if err := setDuration(&c.JobLockTTL, fc.JobLockTTL); err != nil {
		return fmt.Errorf("parse engine config %s: %w", path, err)
	}
	if err := setDuration(&c.JobBackoffInitial, fc.JobBackoffInitial); err != nil {
		return fmt.Errorf("parse engine config %s: %w", path, err)
	}
	if err := setDuration(&c.JobBackoffMax, fc.JobBackoffMax); err != nil {
		return fmt.Errorf("parse engine config %s: %w", path, err)
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil && strings.TrimSpace(*src) != "" {
		*dst = strings.TrimSpace(*src)
	}
}

func setDuration(dst *time.Duration, src *string) error {
	if src == nil || strings.TrimSpace(*src) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(*src))
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func (c *Config) validate() error {
	if c.JobWorkers <= 0 {
		return fmt.Errorf("job workers must be positive, got %d", c.JobWorkers)
	}
	if c.JobLockTTL <= 0 {
		return fmt.Errorf("job lock ttl must be positive, got %s", c.JobLockTTL)
	}
	if c.JobBackoffMultiplier < 1 {
		return fmt.Errorf("job backoff multiplier must be >= 1, got %v", c.JobBackoffMultiplier)
	}
	return nil
}

func applyString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func applyBool(dst *bool, env string) {
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		*dst = true
	default:
		*dst = false
	}
}

func applyInt(dst *int, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func applyFloat(dst *float64, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func applyDuration(dst *time.Duration, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
