/*
Package config loads runtime settings for the points service.

PRECEDENCE (later wins):
  1. Defaults
  2. YAML file (optional, path given on the command line)
  3. .env file (joho/godotenv, never overrides the real environment)
  4. Environment variables

USAGE:
  cfg, err := config.Load("config.yaml")
  if err != nil {
      return err
  }
  if err := cfg.Validate(); err != nil {
      return err
  }
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	SinkLog      = "log"
	SinkRabbitMQ = "rabbitmq"
	SinkKafka    = "kafka"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Notify    NotifyConfig    `yaml:"notify"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Groups    GroupsConfig    `yaml:"groups"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type HTTPConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	CORSOrigins  []string      `yaml:"cors_origins"`
	// AdminUsers may call /api/admin; empty leaves it open.
	AdminUsers []string `yaml:"admin_users"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`
}

// RedisConfig enables the balance cache when URL is set.
type RedisConfig struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl"`
}

type NotifyConfig struct {
	Sink         string   `yaml:"sink"`
	RabbitURL    string   `yaml:"rabbit_url"`
	RabbitQueue  string   `yaml:"rabbit_queue"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	OutboxPath   string   `yaml:"outbox_path"`
}

type ReconcileConfig struct {
	// Schedule is a robfig/cron spec; empty disables the scheduler.
	Schedule   string `yaml:"schedule"`
	AutoRepair bool   `yaml:"auto_repair"`
	Workers    int    `yaml:"workers"`
}

type GroupsConfig struct {
	InviteCodeAttempts int `yaml:"invite_code_attempts"`
}

type LoggerConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// TracingConfig enables OTLP export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
			CORSOrigins:  []string{"*"},
		},
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: "./data/points.db",
		},
		Redis: RedisConfig{TTL: 5 * time.Minute},
		Notify: NotifyConfig{
			Sink:        SinkLog,
			RabbitQueue: "notifications",
			KafkaTopic:  "points.notifications",
		},
		Reconcile: ReconcileConfig{
			Schedule: "@every 1h",
			Workers:  4,
		},
		Groups: GroupsConfig{InviteCodeAttempts: 5},
		Logger: LoggerConfig{Level: "info", Encoding: "json"},
		Tracing: TracingConfig{ServiceName: "household-points"},
	}
}

// Load builds the configuration. path may be empty; a missing file at a
// non-empty path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Addr = getString("HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.ReadTimeout = getDuration("HTTP_READ_TIMEOUT", c.HTTP.ReadTimeout)
	c.HTTP.WriteTimeout = getDuration("HTTP_WRITE_TIMEOUT", c.HTTP.WriteTimeout)
	c.HTTP.IdleTimeout = getDuration("HTTP_IDLE_TIMEOUT", c.HTTP.IdleTimeout)
	c.HTTP.CORSOrigins = getList("CORS_ORIGINS", c.HTTP.CORSOrigins)
	c.HTTP.AdminUsers = getList("ADMIN_USERS", c.HTTP.AdminUsers)

	c.Store.Driver = getString("STORE_DRIVER", c.Store.Driver)
	c.Store.SQLitePath = getString("SQLITE_PATH", c.Store.SQLitePath)
	c.Store.DatabaseURL = getString("DATABASE_URL", c.Store.DatabaseURL)

	c.Redis.URL = getString("REDIS_URL", c.Redis.URL)
	c.Redis.TTL = getDuration("REDIS_TTL", c.Redis.TTL)

	c.Notify.Sink = getString("NOTIFY_SINK", c.Notify.Sink)
	c.Notify.RabbitURL = getString("RABBIT_URL", c.Notify.RabbitURL)
	c.Notify.RabbitQueue = getString("RABBIT_QUEUE", c.Notify.RabbitQueue)
	c.Notify.KafkaBrokers = getList("KAFKA_BROKERS", c.Notify.KafkaBrokers)
	c.Notify.KafkaTopic = getString("KAFKA_TOPIC", c.Notify.KafkaTopic)
	c.Notify.OutboxPath = getString("OUTBOX_PATH", c.Notify.OutboxPath)

	c.Reconcile.Schedule = getString("RECONCILE_SCHEDULE", c.Reconcile.Schedule)
	c.Reconcile.AutoRepair = getBool("RECONCILE_AUTO_REPAIR", c.Reconcile.AutoRepair)
	c.Reconcile.Workers = getInt("RECONCILE_WORKERS", c.Reconcile.Workers)

	c.Groups.InviteCodeAttempts = getInt("INVITE_CODE_ATTEMPTS", c.Groups.InviteCodeAttempts)

	c.Logger.Level = getString("LOG_LEVEL", c.Logger.Level)
	c.Logger.Encoding = getString("LOG_ENCODING", c.Logger.Encoding)

	c.Tracing.Endpoint = getString("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.ServiceName = getString("OTEL_SERVICE_NAME", c.Tracing.ServiceName)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}

	switch c.Notify.Sink {
	case SinkLog:
	case SinkRabbitMQ:
		if c.Notify.RabbitURL == "" {
			errs = append(errs, errors.New("RABBIT_URL is required for the rabbitmq sink"))
		}
	case SinkKafka:
		if len(c.Notify.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown NOTIFY_SINK %q", c.Notify.Sink))
	}

	if c.Reconcile.Workers < 1 {
		errs = append(errs, errors.New("RECONCILE_WORKERS must be at least 1"))
	}
	if c.Groups.InviteCodeAttempts < 1 {
		errs = append(errs, errors.New("INVITE_CODE_ATTEMPTS must be at least 1"))
	}

	return errors.Join(errs...)
}

func getString(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// getList splits a comma separated value, dropping blanks.
func getList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
