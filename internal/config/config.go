// Package config loads runtime settings: defaults, then an optional YAML
// file, then environment overrides.
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

const (
	ServiceName    = "stock-deduction"
	ServiceVersion = "0.1.0"
)

const (
	StorageMemory = "memory"
	StorageMySQL  = "mysql"
)

type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Storage  string `yaml:"storage"`
	MySQLDSN string `yaml:"mysql_dsn"`
	// RedisAddr enables the result cache and the Redis queue store.
	RedisAddr string `yaml:"redis_addr"`
	// SeedFile loads stock and catalog entries at startup.
	SeedFile string `yaml:"seed_file"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	OtelEndpoint string `yaml:"otel_endpoint"`
	LogLevel     string `yaml:"log_level"`
	Development  bool   `yaml:"development"`

	Retry   RetryConfig   `yaml:"retry"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Monitor MonitorConfig `yaml:"monitor"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type SweepConfig struct {
	Stores   []string      `yaml:"stores"`
	Interval time.Duration `yaml:"interval"`
}

type MonitorConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Window       time.Duration `yaml:"window"`
	CriticalRule string        `yaml:"critical_rule"`
	WarningRule  string        `yaml:"warning_rule"`
}

func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":50051",
		ShutdownTimeout: 15 * time.Second,
		Storage:         StorageMemory,
		KafkaTopic:      "inventory-events",
		LogLevel:        "info",
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    200 * time.Millisecond,
		},
		Sweep: SweepConfig{
			Interval: time.Minute,
		},
		Monitor: MonitorConfig{
			Interval: 5 * time.Minute,
			Window:   24 * time.Hour,
		},
	}
}

// Load reads path when it is not empty, applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.GRPCAddr, "GRPC_ADDR")
	setString(&c.Storage, "STORAGE")
	setString(&c.MySQLDSN, "MYSQL_DSN")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.SeedFile, "SEED_FILE")
	setList(&c.KafkaBrokers, "KAFKA_BROKERS")
	setString(&c.KafkaTopic, "KAFKA_TOPIC")
	setString(&c.OtelEndpoint, "OTEL_ENDPOINT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setList(&c.Sweep.Stores, "SWEEP_STORES")
	setString(&c.Monitor.CriticalRule, "HEALTH_CRITICAL_RULE")
	setString(&c.Monitor.WarningRule, "HEALTH_WARNING_RULE")

	var errs []error
	errs = append(errs,
		setBool(&c.Development, "DEVELOPMENT"),
		setInt(&c.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS"),
		setDuration(&c.ShutdownTimeout, "SHUTDOWN_TIMEOUT"),
		setDuration(&c.Sweep.Interval, "SWEEP_INTERVAL"),
		setDuration(&c.Monitor.Interval, "MONITOR_INTERVAL"),
		setDuration(&c.Monitor.Window, "MONITOR_WINDOW"),
	)
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Storage {
	case StorageMemory:
	case StorageMySQL:
		if c.MySQLDSN == "" {
			errs = append(errs, errors.New("mysql_dsn is required when storage is mysql"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage %q", c.Storage))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	if c.Sweep.Interval <= 0 || c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("sweep and monitor intervals must be positive"))
	}
	if c.Monitor.Window <= 0 {
		errs = append(errs, errors.New("monitor.window must be positive"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("kafka_topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
