// Package config loads the YAML runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Database is one registered connection target.
type Database struct {
	ID     string `yaml:"id"`
	Driver string `yaml:"driver"` // postgres, mysql, sqlserver
	DSN    string `yaml:"dsn"`
	// Schema to introspect. Empty means the driver default: "public" for
	// postgres, the DSN's database name for mysql.
	Schema   string `yaml:"schema"`
	MaxConns int64  `yaml:"max_conns"`
}

// Engine tunables mirror engine.Options.
type Engine struct {
	BatchSize      int           `yaml:"batch_size"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	ResultTTL      time.Duration `yaml:"result_ttl"`
}

// LLM configures the optional generative candidate source.
type LLM struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// BlendWeight scales the LLM candidate's score against rule-based
	// candidates, 0..1.
	BlendWeight float64       `yaml:"blend_weight"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Config is the full runtime configuration.
type Config struct {
	ListenAddr   string     `yaml:"listen_addr"`
	LogLevel     string     `yaml:"log_level"`
	LearningPath string     `yaml:"learning_path"`
	RowCap       int        `yaml:"row_cap"`
	Databases    []Database `yaml:"databases"`
	Engine       Engine     `yaml:"engine"`
	LLM          LLM        `yaml:"llm"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr:   ":8080",
		LogLevel:     "info",
		LearningPath: "sorgu-learning.db",
		RowCap:       1000,
		Engine: Engine{
			BatchSize:      500,
			GracePeriod:    5 * time.Second,
			RetryAttempts:  3,
			RetryBackoff:   200 * time.Millisecond,
			DefaultTimeout: 30 * time.Second,
			ResultTTL:      10 * time.Minute,
		},
		LLM: LLM{
			BaseURL:     "http://localhost:11434",
			Model:       "llama3",
			BlendWeight: 0.5,
			Timeout:     20 * time.Second,
		},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work at all.
func (c *Config) Validate() error {
	seen := map[string]struct{}{}
	for _, db := range c.Databases {
		if db.ID == "" {
			return fmt.Errorf("database with empty id")
		}
		if _, dup := seen[db.ID]; dup {
			return fmt.Errorf("duplicate database id %q", db.ID)
		}
		seen[db.ID] = struct{}{}
		switch db.Driver {
		case "postgres", "mysql", "sqlserver":
		default:
			return fmt.Errorf("database %q: unsupported driver %q", db.ID, db.Driver)
		}
		if db.DSN == "" {
			return fmt.Errorf("database %q: empty dsn", db.ID)
		}
	}
	if c.LLM.BlendWeight < 0 || c.LLM.BlendWeight > 1 {
		return fmt.Errorf("llm blend_weight must be within [0, 1]")
	}
	return nil
}
