// Package config loads nested configuration from environment variables and
// an optional config file via spf13/viper.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/relay/internal/common/logger"
)

// Config is the root configuration for the server process.
type Config struct {
	Server            ServerConfig            `mapstructure:"server"`
	Database          DatabaseConfig          `mapstructure:"database"`
	EventBus          EventBusConfig          `mapstructure:"event_bus"`
	Gateway           GatewayConfig           `mapstructure:"gateway"`
	PermissionReview  PermissionReviewConfig  `mapstructure:"permission_review"`
	Docker            DockerConfig            `mapstructure:"docker"`
	Logging           logger.Config           `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout_seconds"`
	WriteTimeout int    `mapstructure:"write_timeout_seconds"`
}

func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

func (s ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // postgres, memory
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// DSN builds a libpq connection string for the Postgres driver.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

// EventBusConfig selects and tunes the Event Bus broadcast backend.
type EventBusConfig struct {
	Backend           string `mapstructure:"backend"` // memory, nats
	NATSURL           string `mapstructure:"nats_url"`
	BroadcastCapacity int    `mapstructure:"broadcast_capacity"`
	DefaultPollLimit  int    `mapstructure:"default_poll_limit"`
	MaxPollLimit      int    `mapstructure:"max_poll_limit"`
}

// GatewayConfig controls the relay/client duplex WebSocket endpoint.
type GatewayConfig struct {
	UserToken        string `mapstructure:"user_token"`
	RelayToken       string `mapstructure:"relay_token"`
	PingIntervalSecs int    `mapstructure:"ping_interval_seconds"`
	PongDeadlineSecs int    `mapstructure:"pong_deadline_seconds"`
}

func (g GatewayConfig) PingInterval() time.Duration {
	return time.Duration(g.PingIntervalSecs) * time.Second
}

func (g GatewayConfig) PongDeadline() time.Duration {
	return time.Duration(g.PongDeadlineSecs) * time.Second
}

// PermissionReviewConfig configures the external judge used to auto-decide
// tool-use permission requests.
type PermissionReviewConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	JudgeURL      string `mapstructure:"judge_url"`
	APIKey        string `mapstructure:"api_key"`
	Model         string `mapstructure:"model"`
	TimeoutSecs   int    `mapstructure:"timeout_seconds"`
}

func (p PermissionReviewConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// DockerConfig configures the optional containerized session executor.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"api_version"`
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	return "text"
}

func defaultDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 15)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.db_name", "relay")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("event_bus.backend", "memory")
	v.SetDefault("event_bus.broadcast_capacity", 1024)
	v.SetDefault("event_bus.default_poll_limit", 1000)
	v.SetDefault("event_bus.max_poll_limit", 10000)

	v.SetDefault("gateway.ping_interval_seconds", 30)
	v.SetDefault("gateway.pong_deadline_seconds", 60)

	v.SetDefault("permission_review.enabled", false)
	v.SetDefault("permission_review.model", "gpt-4o-mini")
	v.SetDefault("permission_review.timeout_seconds", 30)

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.api_version", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from ./config.yaml (if present), /etc/relay/, and
// environment variables prefixed RELAY_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.db_name is required for postgres driver")
		}
	}
	if cfg.EventBus.Backend == "nats" && cfg.EventBus.NATSURL == "" {
		errs = append(errs, "event_bus.nats_url is required when event_bus.backend=nats")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of debug, info, warn, error")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
