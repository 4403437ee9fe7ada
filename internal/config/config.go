package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the scoring service configuration.
type Config struct {
	// Redis (tick ingress stream, optional redis sink)
	RedisURL      string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	StreamKey     string `env:"STREAM_KEY" envDefault:"ticks:market"`
	ConsumerGroup string `env:"CONSUMER_GROUP" envDefault:"marketwatch"`

	// Result sink: "redis", "postgres" or "memory"
	Sink        string `env:"RESULT_SINK" envDefault:"redis"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	// Model supply
	ModelPath string `env:"MODEL_PATH" envDefault:"model.json"`

	// Securities to watch; ticks for others are skipped.
	Securities []string `env:"SECURITIES" envSeparator:"," envDefault:"RELIANCE.NS,TCS.NS,INFY.NS,HDFCBANK.NS,ICICIBANK.NS"`

	// Scoring
	AnomalyThreshold float64 `env:"ANOMALY_THRESHOLD" envDefault:"0.8"`
	Contamination    float64 `env:"CONTAMINATION_RATE" envDefault:"0.005"`

	// Window durations (parsed as seconds)
	ShortWindowSec  int `env:"SHORT_WINDOW_SEC" envDefault:"60"`
	MediumWindowSec int `env:"MEDIUM_WINDOW_SEC" envDefault:"300"`
	LongWindowSec   int `env:"LONG_WINDOW_SEC" envDefault:"3600"`

	// Computed durations (not from env)
	ShortWindow  time.Duration `env:"-"`
	MediumWindow time.Duration `env:"-"`
	LongWindow   time.Duration `env:"-"`

	// Sink write retry policy (boundary only; pure stages never retry)
	SinkRetries    int `env:"SINK_RETRIES" envDefault:"3"`
	SinkBackoffMs  int `env:"SINK_BACKOFF_MS" envDefault:"100"`
	ResultCacheTTL int `env:"RESULT_TTL_SEC" envDefault:"86400"`

	// Observability
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPPort int    `env:"HTTP_PORT" envDefault:"9102"`
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{}); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	for i := range cfg.Securities {
		cfg.Securities[i] = strings.TrimSpace(cfg.Securities[i])
	}

	cfg.ShortWindow = time.Duration(cfg.ShortWindowSec) * time.Second
	cfg.MediumWindow = time.Duration(cfg.MediumWindowSec) * time.Second
	cfg.LongWindow = time.Duration(cfg.LongWindowSec) * time.Second

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Securities) == 0 {
		return fmt.Errorf("at least one security must be configured")
	}

	switch c.Sink {
	case "redis", "memory":
	case "postgres":
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres sink")
		}
	default:
		return fmt.Errorf("invalid sink %q: must be redis, postgres or memory", c.Sink)
	}

	if c.AnomalyThreshold <= 0 || c.AnomalyThreshold >= 1 {
		return fmt.Errorf("anomaly threshold must be in (0, 1), got %f", c.AnomalyThreshold)
	}

	if c.Contamination <= 0 || c.Contamination >= 1 {
		return fmt.Errorf("contamination rate must be in (0, 1), got %f", c.Contamination)
	}

	if c.ShortWindow < time.Second || c.MediumWindow < time.Second || c.LongWindow < time.Second {
		return fmt.Errorf("window durations must be at least 1 second")
	}
	if !(c.ShortWindow < c.MediumWindow && c.MediumWindow < c.LongWindow) {
		return fmt.Errorf("windows must be strictly increasing: short < medium < long")
	}

	if c.SinkRetries < 0 {
		return fmt.Errorf("sink retries must be non-negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	return nil
}

// Windows returns the configured window durations, ascending.
func (c *Config) Windows() []time.Duration {
	return []time.Duration{c.ShortWindow, c.MediumWindow, c.LongWindow}
}
