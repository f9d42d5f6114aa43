package config

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	ServiceName  string             `mapstructure:"service_name"`
	Log          LogConfig          `mapstructure:"log"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	RabbitMQ     RabbitMQConfig     `mapstructure:"rabbitmq"`
	Validation   ValidationConfig   `mapstructure:"validation"`
	Anomaly      AnomalyConfig      `mapstructure:"anomaly"`
	Registration RegistrationConfig `mapstructure:"registration"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Software     SoftwareConfig     `mapstructure:"software"`
	Storage      StorageConfig      `mapstructure:"storage"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Debug        bool          `mapstructure:"debug"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver  string `mapstructure:"driver"`
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

// RedisConfig holds the device lock backend settings. An empty Addr selects
// the in-process lock.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
	LockWait time.Duration `mapstructure:"lock_wait"`
}

// RabbitMQConfig holds RabbitMQ connection and queue settings. An empty URL
// disables event publishing and queued ingestion.
type RabbitMQConfig struct {
	URL              string `mapstructure:"url"`
	IngestExchange   string `mapstructure:"ingest_exchange"`
	IngestQueue      string `mapstructure:"ingest_queue"`
	IngestRoutingKey string `mapstructure:"ingest_routing_key"`
	EventsExchange   string `mapstructure:"events_exchange"`
	DLQQueue         string `mapstructure:"dlq_queue"`
	PrefetchCount    int    `mapstructure:"prefetch"`
	ConsumeEnabled   bool   `mapstructure:"consume_enabled"`
}

// ValidationConfig holds validation settings
type ValidationConfig struct {
	TimestampToleranceMinutes int `mapstructure:"timestamp_tolerance_minutes"`
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	SpikeThreshold            float64 `mapstructure:"spike_threshold"`
	MinDataPointsForDetection int     `mapstructure:"min_data_points"`
	HistoryWindow             int     `mapstructure:"history_window"`
}

// RegistrationConfig holds device registration settings
type RegistrationConfig struct {
	LoginPolicy          string `mapstructure:"login_policy"`
	ConfirmationTemplate string `mapstructure:"confirmation_template"`
}

// NotifyConfig holds mail API settings. An empty MailAPIURL only logs emails.
type NotifyConfig struct {
	MailAPIURL string        `mapstructure:"mail_api_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	Workers    int           `mapstructure:"workers"`
	QueueSize  int           `mapstructure:"queue_size"`
}

// SoftwareConfig holds firmware publication settings
type SoftwareConfig struct {
	PublicationURL string `mapstructure:"publication_url"`
}

// StorageConfig holds the timezone measurements are stored and reported in
type StorageConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// envBindings maps config keys to the environment variables that set them
var envBindings = map[string]string{
	"service_name":                           "SERVICE_NAME",
	"log.level":                              "LOG_LEVEL",
	"log.format":                             "LOG_FORMAT",
	"server.host":                            "SERVICE_HOST",
	"server.port":                            "SERVICE_PORT",
	"server.debug":                           "SERVER_DEBUG",
	"server.read_timeout":                    "SERVER_READ_TIMEOUT",
	"server.write_timeout":                   "SERVER_WRITE_TIMEOUT",
	"server.idle_timeout":                    "SERVER_IDLE_TIMEOUT",
	"database.driver":                        "STORE_DRIVER",
	"database.url":                           "DATABASE_URL",
	"database.migrate":                       "DATABASE_MIGRATE",
	"redis.addr":                             "REDIS_ADDR",
	"redis.password":                         "REDIS_PASSWORD",
	"redis.db":                               "REDIS_DB",
	"redis.lock_ttl":                         "REDIS_LOCK_TTL",
	"redis.lock_wait":                        "REDIS_LOCK_WAIT",
	"rabbitmq.url":                           "RABBITMQ_URL",
	"rabbitmq.ingest_exchange":               "RABBITMQ_INGEST_EXCHANGE",
	"rabbitmq.ingest_queue":                  "RABBITMQ_INGEST_QUEUE",
	"rabbitmq.ingest_routing_key":            "RABBITMQ_INGEST_ROUTING_KEY",
	"rabbitmq.events_exchange":               "RABBITMQ_EVENTS_EXCHANGE",
	"rabbitmq.dlq_queue":                     "RABBITMQ_DLQ_QUEUE",
	"rabbitmq.prefetch":                      "RABBITMQ_PREFETCH",
	"rabbitmq.consume_enabled":               "RABBITMQ_CONSUME_ENABLED",
	"validation.timestamp_tolerance_minutes": "VALIDATION_TIMESTAMP_TOLERANCE_MINUTES",
	"anomaly.spike_threshold":                "ANOMALY_SPIKE_THRESHOLD",
	"anomaly.min_data_points":                "ANOMALY_MIN_DATA_POINTS",
	"anomaly.history_window":                 "ANOMALY_HISTORY_WINDOW",
	"registration.login_policy":              "REGISTRATION_LOGIN_POLICY",
	"registration.confirmation_template":     "REGISTRATION_CONFIRMATION_TEMPLATE",
	"notify.mail_api_url":                    "MAIL_API_URL",
	"notify.api_key":                         "MAIL_API_KEY",
	"notify.timeout":                         "MAIL_TIMEOUT",
	"notify.retry_count":                     "MAIL_RETRY_COUNT",
	"notify.workers":                         "MAIL_WORKERS",
	"notify.queue_size":                      "MAIL_QUEUE_SIZE",
	"software.publication_url":               "SOFTWARE_PUBLICATION_URL",
	"storage.timezone":                       "STORAGE_TIMEZONE",
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "tracket-noise-api")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.debug", false)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.migrate", true)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "10s")
	v.SetDefault("redis.lock_wait", "5s")
	v.SetDefault("rabbitmq.ingest_exchange", "tracket.ingest.exchange")
	v.SetDefault("rabbitmq.ingest_queue", "tracket.measurements.queue")
	v.SetDefault("rabbitmq.ingest_routing_key", "measurement.batch")
	v.SetDefault("rabbitmq.events_exchange", "tracket.events.exchange")
	v.SetDefault("rabbitmq.dlq_queue", "tracket.measurements.dlq")
	v.SetDefault("rabbitmq.prefetch", 10)
	v.SetDefault("rabbitmq.consume_enabled", true)
	v.SetDefault("validation.timestamp_tolerance_minutes", 10080)
	v.SetDefault("anomaly.spike_threshold", 3.0)
	v.SetDefault("anomaly.min_data_points", 3)
	v.SetDefault("anomaly.history_window", 10)
	v.SetDefault("registration.login_policy", "tracket")
	v.SetDefault("registration.confirmation_template", "registration-confirmation")
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("notify.retry_count", 2)
	v.SetDefault("notify.workers", 4)
	v.SetDefault("notify.queue_size", 256)
	v.SetDefault("storage.timezone", "America/Toronto")
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("DATABASE_URL is required but not set in environment variables")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Database.Driver)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	return nil
}

// Location returns the storage timezone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Storage.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid STORAGE_TIMEZONE %q: %w", c.Storage.Timezone, err)
	}
	return loc, nil
}
