// Package config loads runtime settings from an optional YAML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DriverMemory keeps contacts in process memory instead of a database.
const DriverMemory = "memory"

// Config holds every runtime setting.
type Config struct {
	Port     string `yaml:"port"`
	Database struct {
		URL string `yaml:"url"`
		// Driver is sqlite3, sqlite, postgres, pgx or memory; inferred from
		// URL when empty.
		Driver    string        `yaml:"driver"`
		TxTimeout time.Duration `yaml:"tx_timeout"`
	} `yaml:"database"`
	Lock struct {
		RedisURL      string        `yaml:"redis_url"`
		TTL           time.Duration `yaml:"ttl"`
		RetryInterval time.Duration `yaml:"retry_interval"`
		// Attempts bounds retries after a concurrent merge moved the cluster.
		Attempts int `yaml:"attempts"`
	} `yaml:"lock"`
	Events struct {
		AMQPURL    string `yaml:"amqp_url"`
		Exchange   string `yaml:"exchange"`
		RoutingKey string `yaml:"routing_key"`
	} `yaml:"events"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	cfg := &Config{Port: "8080", ShutdownTimeout: 10 * time.Second}
	cfg.Database.URL = "./identity.db"
	cfg.Database.TxTimeout = 5 * time.Second
	cfg.Lock.TTL = 10 * time.Second
	cfg.Lock.RetryInterval = 25 * time.Millisecond
	cfg.Lock.Attempts = 5
	cfg.Events.Exchange = "identity"
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

// Load reads .env (when present), then CONFIG_FILE (when set), then the
// environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("PORT", &c.Port)
	str("DATABASE_URL", &c.Database.URL)
	str("DB_DRIVER", &c.Database.Driver)
	str("REDIS_URL", &c.Lock.RedisURL)
	str("AMQP_URL", &c.Events.AMQPURL)
	str("AMQP_EXCHANGE", &c.Events.Exchange)
	str("AMQP_ROUTING_KEY", &c.Events.RoutingKey)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	for key, dst := range map[string]*time.Duration{
		"TX_TIMEOUT":          &c.Database.TxTimeout,
		"LOCK_TTL":            &c.Lock.TTL,
		"LOCK_RETRY_INTERVAL": &c.Lock.RetryInterval,
		"SHUTDOWN_TIMEOUT":    &c.ShutdownTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	if v, ok := lookup("CONSOLIDATE_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONSOLIDATE_ATTEMPTS: %w", err)
		}
		c.Lock.Attempts = n
	}
	return nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.Lock.Attempts < 1 {
		errs = append(errs, errors.New("lock attempts must be at least 1"))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, errors.New("lock ttl must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	if c.Database.Driver != DriverMemory && c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	if strings.Contains(c.Port, ":") {
		return c.Port
	}
	return ":" + c.Port
}
