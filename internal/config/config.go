// Package config loads longcall's configuration from defaults, an optional
// YAML file and LONGCALL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "LONGCALL"

// Config holds application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Backend BackendConfig `mapstructure:"backend"`
	Process ProcessConfig `mapstructure:"process"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Manager ManagerConfig `mapstructure:"manager"`
}

type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr" validate:"required"`
	LogLevel     string        `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	SubmitRate   float64       `mapstructure:"submit_rate" validate:"gte=0"`
	SubmitBurst  int           `mapstructure:"submit_burst" validate:"gte=0"`
	// TokenSecret signs job tokens. Empty means a per-process random secret.
	TokenSecret string `mapstructure:"token_secret"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite redis"`
	DSN    string `mapstructure:"dsn" validate:"required"`
}

type BackendConfig struct {
	Name string `mapstructure:"name" validate:"oneof=process queue"`
}

type ProcessConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"gt=0"`
	// Command overrides the child command line; empty runs this binary.
	Command  []string      `mapstructure:"command"`
	KillWait time.Duration `mapstructure:"kill_wait" validate:"gte=0"`
}

type QueueConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr" validate:"required"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
	Queue         string        `mapstructure:"queue" validate:"required"`
	Concurrency   int           `mapstructure:"concurrency" validate:"gt=0"`
	Retention     time.Duration `mapstructure:"retention" validate:"gte=0"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gte=0"`
}

type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Expire     time.Duration `mapstructure:"expire" validate:"gte=0"`
	PerSession bool          `mapstructure:"per_session"`
}

type ManagerConfig struct {
	Supersede    bool          `mapstructure:"supersede"`
	ResultTTL    time.Duration `mapstructure:"result_ttl" validate:"gt=0"`
	ReapSchedule string        `mapstructure:"reap_schedule"`
}

var defaults = map[string]any{
	"server.listen_addr":   ":8080",
	"server.log_level":     "info",
	"server.poll_interval": time.Second,
	"server.submit_rate":   20.0,
	"server.submit_burst":  40,
	"server.token_secret":  "",

	"store.driver": "sqlite",
	"store.dsn":    "longcall.db",

	"backend.name": "process",

	"process.max_concurrent": 8,
	"process.command":        []string{},
	"process.kill_wait":      5 * time.Second,

	"queue.redis_addr":     "127.0.0.1:6379",
	"queue.redis_password": "",
	"queue.redis_db":       0,
	"queue.queue":          "longcall",
	"queue.concurrency":    10,
	"queue.retention":      time.Hour,
	"queue.timeout":        time.Hour,

	"cache.enabled":     false,
	"cache.expire":      10 * time.Minute,
	"cache.per_session": false,

	"manager.supersede":     true,
	"manager.result_ttl":    time.Hour,
	"manager.reap_schedule": "@every 30s",
}

// Load reads configuration. path names an optional YAML file; environment
// variables such as LONGCALL_STORE_DSN override both it and the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section, reporting all invalid fields at once.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, len(verrs))
		for i, fe := range verrs {
			msgs[i] = fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	return parseLogLevel(c.Server.LogLevel)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
