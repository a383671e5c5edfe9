package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "taskflow.yml"

// Config models taskflow.yml.
type Config struct {
	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`
	Tasks struct {
		DefaultWindowDays int `yaml:"default_window_days"`
	} `yaml:"tasks"`
	Propagation struct {
		MaxRetries int `yaml:"max_retries"`
	} `yaml:"propagation"`
	Locks struct {
		Backend   string        `yaml:"backend"`
		RedisAddr string        `yaml:"redis_addr"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"locks"`
	Events struct {
		AMQPURL  string `yaml:"amqp_url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"events"`
	Session struct {
		TTL      time.Duration `yaml:"ttl"`
		Capacity int           `yaml:"capacity"`
	} `yaml:"session"`
	Guard struct {
		TableFile string `yaml:"table_file"`
	} `yaml:"guard"`
	Metrics struct {
		Out string `yaml:"out"`
	} `yaml:"metrics"`
}

const (
	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

// Default returns the configuration used when taskflow.yml is absent.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if c.Tasks.DefaultWindowDays < 1 {
		return fmt.Errorf("config.tasks.default_window_days must be at least 1")
	}
	if c.Propagation.MaxRetries < 0 {
		return fmt.Errorf("config.propagation.max_retries must not be negative")
	}
	switch c.Locks.Backend {
	case LockBackendMemory:
	case LockBackendRedis:
		if c.Locks.RedisAddr == "" {
			return fmt.Errorf("config.locks.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config.locks.backend must be %q or %q", LockBackendMemory, LockBackendRedis)
	}
	if c.Locks.TTL < 0 {
		return fmt.Errorf("config.locks.ttl must not be negative")
	}
	if c.Session.TTL < 0 {
		return fmt.Errorf("config.session.ttl must not be negative")
	}
	if c.Session.Capacity < 0 {
		return fmt.Errorf("config.session.capacity must not be negative")
	}
	return nil
}

// WindowDuration is the default schedule window length for new role tasks.
func (c *Config) WindowDuration() time.Duration {
	return time.Duration(c.Tasks.DefaultWindowDays) * 24 * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with tf init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `log:
  level: info
  json: false

tasks:
  default_window_days: 7

propagation:
  max_retries: 3

locks:
  backend: memory
  redis_addr: ""
  ttl: 30s

events:
  amqp_url: ""
  exchange: taskflow.events

session:
  ttl: 30m
  capacity: 1024

guard:
  table_file: ""

metrics:
  out: ""
`
