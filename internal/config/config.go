package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the room tab engine
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
	POS      POSConfig      `mapstructure:"pos"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Harness  HarnessConfig  `mapstructure:"harness"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Log      LogConfig      `mapstructure:"log"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RabbitMQConfig holds RabbitMQ connection configuration. The broker mirror
// is optional; when disabled the delivery worker only talks to webhooks.
type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Exchange string `mapstructure:"exchange"`
	Queue    string `mapstructure:"queue"`
}

// POSConfig configures the point-of-sale collaborator.
type POSConfig struct {
	// Driver is "http" for the hosted POS API or "memory" for the
	// in-process POS used by local runs.
	Driver     string        `mapstructure:"driver"`
	BaseURL    string        `mapstructure:"base_url"`
	Token      string        `mapstructure:"token"`
	LocationID string        `mapstructure:"location_id"`
	Currency   string        `mapstructure:"currency"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// DeliveryConfig configures the outbox delivery worker.
type DeliveryConfig struct {
	BatchLimit      int           `mapstructure:"batch_limit"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Lease           time.Duration `mapstructure:"lease"`
	Interval        time.Duration `mapstructure:"interval"`
	EndpointRefresh time.Duration `mapstructure:"endpoint_refresh"`
	MaxEndpoints    int           `mapstructure:"max_endpoints"`
	TemplatesFile   string        `mapstructure:"templates_file"`
}

// HarnessConfig holds the wait bounds of the reconciliation harness.
type HarnessConfig struct {
	Room         string        `mapstructure:"room"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	OutboxWait   time.Duration `mapstructure:"outbox_wait"`
	POSWait      time.Duration `mapstructure:"pos_wait"`
	DeliveryWait time.Duration `mapstructure:"delivery_wait"`
}

// HTTPConfig configures the staff/guest JSON API.
type HTTPConfig struct {
	Port         int      `mapstructure:"port"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// CatalogConfig is the locally authoritative catalog.
type CatalogConfig struct {
	Items []CatalogItemConfig `mapstructure:"items"`
}

// CatalogItemConfig is one catalog entry. Price is a decimal string.
type CatalogItemConfig struct {
	Ref   string `mapstructure:"ref"`
	Name  string `mapstructure:"name"`
	Price string `mapstructure:"price"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "roomtab")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "roomtab")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("rabbitmq.enabled", false)
	v.SetDefault("rabbitmq.host", "localhost")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "guest")
	v.SetDefault("rabbitmq.password", "guest")
	v.SetDefault("rabbitmq.exchange", "room_events")
	v.SetDefault("rabbitmq.queue", "room_events_audit")

	v.SetDefault("pos.driver", "memory")
	v.SetDefault("pos.base_url", "")
	v.SetDefault("pos.token", "")
	v.SetDefault("pos.location_id", "")
	v.SetDefault("pos.currency", "USD")
	v.SetDefault("pos.timeout", 10*time.Second)

	v.SetDefault("delivery.batch_limit", 50)
	v.SetDefault("delivery.max_attempts", 5)
	v.SetDefault("delivery.timeout", 10*time.Second)
	v.SetDefault("delivery.lease", 5*time.Minute)
	v.SetDefault("delivery.interval", 5*time.Minute)
	v.SetDefault("delivery.endpoint_refresh", time.Minute)
	v.SetDefault("delivery.max_endpoints", 10)
	v.SetDefault("delivery.templates_file", "templates.yaml")

	v.SetDefault("harness.room", "9999")
	v.SetDefault("harness.poll_interval", 500*time.Millisecond)
	v.SetDefault("harness.outbox_wait", 10*time.Second)
	v.SetDefault("harness.pos_wait", 30*time.Second)
	v.SetDefault("harness.delivery_wait", 30*time.Second)

	v.SetDefault("http.port", 3000)
	v.SetDefault("http.allow_origins", []string{"*"})

	v.SetDefault("log.level", "info")
}

// Load reads configuration from a YAML file. A missing file is not an
// error: defaults and ROOMTAB_* environment variables still apply. A .env
// file in the working directory is loaded first when present.
func Load(filename string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ROOMTAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filename != "" {
		v.SetConfigFile(filename)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				var notFound viper.ConfigFileNotFoundError
				if !errors.As(err, &notFound) {
					return nil, fmt.Errorf("failed to read config file: %w", err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would make the engine misbehave silently.
func (c *Config) Validate() error {
	if c.Delivery.BatchLimit < 1 {
		return fmt.Errorf("delivery.batch_limit must be at least 1")
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}
	if c.Delivery.MaxEndpoints < 1 {
		return fmt.Errorf("delivery.max_endpoints must be at least 1")
	}
	if c.Delivery.Timeout <= 0 || c.POS.Timeout <= 0 {
		return fmt.Errorf("delivery.timeout and pos.timeout must be positive")
	}
	switch c.POS.Driver {
	case "memory":
	case "http":
		if c.POS.BaseURL == "" {
			return fmt.Errorf("pos.base_url is required for the http driver")
		}
	default:
		return fmt.Errorf("unknown pos.driver: %s", c.POS.Driver)
	}
	return nil
}

// DatabaseURL returns a PostgreSQL connection URL
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.Database, c.Database.SSLMode)
}

// RabbitMQURL returns an AMQP connection URL
func (c *Config) RabbitMQURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/",
		c.RabbitMQ.User, c.RabbitMQ.Password, c.RabbitMQ.Host, c.RabbitMQ.Port)
}
