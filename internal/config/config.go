// Package config loads service configuration from the environment and an
// optional .env file
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is shared by every medround binary; each uses the subset it needs
type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	DBSchema    string `mapstructure:"DB_SCHEMA"`

	KafkaBrokers  []string `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup string   `mapstructure:"CONSUMER_GROUP"`

	LogLevel        string  `mapstructure:"LOG_LEVEL"`
	LogFormat       string  `mapstructure:"LOG_FORMAT"`
	OTLPEndpoint    string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`

	// Timezone is the care home's wall clock, used for "today" and for
	// hospitalization and leave checks
	Timezone           string        `mapstructure:"TIMEZONE"`
	ReconcileDaysBack  int           `mapstructure:"RECONCILE_DAYS_BACK"`
	ReconcileDaysAhead int           `mapstructure:"RECONCILE_DAYS_AHEAD"`
	MaxRangeDays       int           `mapstructure:"MAX_RANGE_DAYS"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
	BatchWorkers       int           `mapstructure:"BATCH_WORKERS"`

	EpisodeBreakerTimeout time.Duration `mapstructure:"EPISODE_BREAKER_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA",
	"KAFKA_BROKERS", "CONSUMER_GROUP",
	"LOG_LEVEL", "LOG_FORMAT", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"TIMEZONE", "RECONCILE_DAYS_BACK", "RECONCILE_DAYS_AHEAD", "MAX_RANGE_DAYS",
	"SWEEP_INTERVAL", "BATCH_WORKERS", "EPISODE_BREAKER_TIMEOUT",
}

// Load reads the environment over defaults. It does not validate; binaries
// call Validate once they know they need a database.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("CONSUMER_GROUP", "medround-reconcile-worker")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("TIMEZONE", "Asia/Hong_Kong")
	v.SetDefault("RECONCILE_DAYS_BACK", 7)
	v.SetDefault("RECONCILE_DAYS_AHEAD", 14)
	v.SetDefault("MAX_RANGE_DAYS", 93)
	v.SetDefault("SWEEP_INTERVAL", "1h")
	v.SetDefault("BATCH_WORKERS", 8)
	v.SetDefault("EPISODE_BREAKER_TIMEOUT", "30s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// the .env file is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsDev reports whether the service runs in development mode
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves Timezone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run against a database
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if c.ReconcileDaysBack < 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_DAYS_BACK must not be negative, got %d", c.ReconcileDaysBack))
	}
	if c.ReconcileDaysAhead <= 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_DAYS_AHEAD must be positive, got %d", c.ReconcileDaysAhead))
	}
	if c.MaxRangeDays <= 0 {
		errs = append(errs, fmt.Errorf("MAX_RANGE_DAYS must be positive, got %d", c.MaxRangeDays))
	} else if c.ReconcileDaysBack+c.ReconcileDaysAhead+1 > c.MaxRangeDays {
		errs = append(errs, fmt.Errorf("reconcile window of %d days exceeds MAX_RANGE_DAYS %d",
			c.ReconcileDaysBack+c.ReconcileDaysAhead+1, c.MaxRangeDays))
	}
	if c.BatchWorkers <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_WORKERS must be positive, got %d", c.BatchWorkers))
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %v", c.TraceSampleRate))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS %d exceeds DB_MAX_CONNS %d", c.DBMinConns, c.DBMaxConns))
	}
	return errors.Join(errs...)
}
