// Package config loads abkit settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport types.
const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
	TransportNone  = "none"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Transport TransportConfig `yaml:"transport"`
	Batch     BatchConfig     `yaml:"batch"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
	// Token protects the read API. Generated at startup when empty.
	Token string `yaml:"token"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// RedisConfig enables Redis-backed assignments when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

type TransportConfig struct {
	Type     string   `yaml:"type"`
	BatchURL string   `yaml:"batch_url"`
	EventURL string   `yaml:"event_url"`
	Token    string   `yaml:"token"`
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
}

type BatchConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushTimeout  time.Duration `yaml:"flush_timeout"`
	MaxAttempts   *int          `yaml:"max_attempts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, expands ${VAR} references, fills defaults and applies
// ABKIT_* environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}

		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write saves cfg as YAML with owner-only permissions, since it may hold
// tokens and passwords.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" && c.Store.Driver == "sqlite" {
		c.Store.DSN = "./abkit.db"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "abkit:"
	}
	if c.Transport.Type == "" {
		c.Transport.Type = TransportNone
	}
	if c.Transport.Topic == "" {
		c.Transport.Topic = "abkit-events"
	}
	if c.Batch.FlushInterval == 0 {
		c.Batch.FlushInterval = 10 * time.Second
	}
	if c.Batch.FlushTimeout == 0 {
		c.Batch.FlushTimeout = 5 * time.Second
	}
	if c.Batch.MaxAttempts == nil {
		n := 5
		c.Batch.MaxAttempts = &n
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("ABKIT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid ABKIT_PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("ABKIT_TOKEN"); v != "" {
		c.Server.Token = v
	}
	if v := os.Getenv("ABKIT_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("ABKIT_DB"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("ABKIT_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("ABKIT_COLLECTOR_URL"); v != "" {
		c.Transport.Type = TransportHTTP
		c.Transport.BatchURL = v
	}
	if v := os.Getenv("ABKIT_KAFKA_BROKERS"); v != "" {
		c.Transport.Type = TransportKafka
		c.Transport.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("ABKIT_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required"))
	}

	switch c.Transport.Type {
	case TransportNone:
	case TransportHTTP:
		if c.Transport.BatchURL == "" {
			errs = append(errs, errors.New("transport.batch_url is required for http transport"))
		}
	case TransportKafka:
		if len(c.Transport.Brokers) == 0 {
			errs = append(errs, errors.New("transport.brokers is required for kafka transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("transport.type must be http, kafka or none, got %q", c.Transport.Type))
	}

	if c.Batch.FlushInterval < 0 || c.Batch.FlushTimeout < 0 {
		errs = append(errs, errors.New("batch durations must not be negative"))
	}
	if c.Batch.MaxAttempts != nil && *c.Batch.MaxAttempts < 0 {
		errs = append(errs, errors.New("batch.max_attempts must not be negative"))
	}

	return errors.Join(errs...)
}
