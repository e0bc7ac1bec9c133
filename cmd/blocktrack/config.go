package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seclens/blocktrack/pkg/enrich"
	"github.com/seclens/blocktrack/pkg/intel"
)

// Config is the YAML file configuration. Every value has a default and
// an environment override, so the file is optional.
type Config struct {
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`

	Intel struct {
		URL            string `yaml:"url"`
		APIKey         string `yaml:"apiKey"`
		TimeoutSeconds int    `yaml:"timeoutSeconds"`
		TagMaxAgeHours int    `yaml:"tagMaxAgeHours"`
	} `yaml:"intel"`

	Enrich struct {
		Workers         int     `yaml:"workers"`
		QueueDepth      int     `yaml:"queueDepth"`
		ExcludeHeader   *string `yaml:"excludeHeader"`
		AdvanceVersions bool    `yaml:"advanceVersions"`
		Passes          int     `yaml:"passes"`
	} `yaml:"enrich"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// LoadConfig reads the YAML config file (path argument, then
// BLOCKTRACK_CONFIG) and applies environment overrides on top of
// defaults. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Database.DSN = "blocktrack.db"
	cfg.Server.Addr = ":8080"
	cfg.Enrich.Passes = 3

	if path == "" {
		path = os.Getenv("BLOCKTRACK_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("BLOCKTRACK_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("BLOCKTRACK_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("BLOCKTRACK_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return cfg, nil
}

// LogLevel maps the configured level string onto slog levels.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IntelClientConfig merges file settings over the env-derived client
// configuration.
func (c *Config) IntelClientConfig() *intel.ClientConfig {
	cfg := intel.ClientConfigFromEnv()
	if c.Intel.URL != "" {
		cfg.BaseURL = c.Intel.URL
	}
	if c.Intel.APIKey != "" {
		cfg.APIKey = c.Intel.APIKey
	}
	if c.Intel.TimeoutSeconds > 0 {
		cfg.Timeout = time.Duration(c.Intel.TimeoutSeconds) * time.Second
	}
	return cfg
}

// TagCacheConfig merges file settings over the env-derived cache
// configuration.
func (c *Config) TagCacheConfig() *intel.CacheConfig {
	cfg := intel.CacheConfigFromEnv()
	if c.Intel.TagMaxAgeHours > 0 {
		cfg.MaxAge = time.Duration(c.Intel.TagMaxAgeHours) * time.Hour
	}
	return cfg
}

// SchedulerConfig merges file settings over the env-derived scheduler
// configuration.
func (c *Config) SchedulerConfig() *enrich.SchedulerConfig {
	cfg := enrich.SchedulerConfigFromEnv()
	if c.Enrich.Workers > 0 {
		cfg.Workers = c.Enrich.Workers
		cfg.QueueDepth = 2 * c.Enrich.Workers
	}
	if c.Enrich.QueueDepth > 0 {
		cfg.QueueDepth = c.Enrich.QueueDepth
	}
	if c.Enrich.ExcludeHeader != nil {
		cfg.ExcludeHeader = *c.Enrich.ExcludeHeader
	}
	if c.Enrich.AdvanceVersions {
		cfg.AdvanceVersions = true
	}
	return cfg
}

// Passes returns how many enrichment passes a full pipeline run makes.
func (c *Config) Passes() int {
	if c.Enrich.Passes > 0 {
		return c.Enrich.Passes
	}
	return 3
}
