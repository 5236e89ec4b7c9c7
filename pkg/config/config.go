// Package config loads minos settings from a YAML file, MINOS_* environment variables and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/tartarus-sandbox/minos/pkg/cerberus"
	"github.com/tartarus-sandbox/minos/pkg/erinyes"
	"github.com/tartarus-sandbox/minos/pkg/hermes"
	"github.com/tartarus-sandbox/minos/pkg/styx"
	"github.com/tartarus-sandbox/minos/pkg/themis"
)

// EnvPrefix prefixes environment overrides: server.addr is MINOS_SERVER_ADDR.
const EnvPrefix = "MINOS"

type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Log         hermes.LogConfig  `mapstructure:"log" yaml:"log"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Permissions PermissionsConfig `mapstructure:"permissions" yaml:"permissions"`
	APIKeys     APIKeysConfig     `mapstructure:"api_keys" yaml:"api_keys"`
	Sandbox     erinyes.Config    `mapstructure:"sandbox" yaml:"sandbox"`
	Network     styx.Config       `mapstructure:"network" yaml:"network"`
	Audit       AuditConfig       `mapstructure:"audit" yaml:"audit"`
	Admin       AdminConfig       `mapstructure:"admin" yaml:"admin"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`
}

// RedisConfig selects the shared cache and counter store. An empty Addr keeps state in memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"gte=0"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
}

// DatabaseConfig selects grant and API key persistence. An empty Driver keeps them in memory
// (or Redis for grants when redis.addr is set).
type DatabaseConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver" validate:"omitempty,oneof=postgres sqlite"`
	DSN         string `mapstructure:"dsn" yaml:"dsn,omitempty" validate:"required_with=Driver"`
	AutoMigrate bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

type PermissionsConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" validate:"gte=0"`
}

type APIKeysConfig struct {
	BcryptCost int           `mapstructure:"bcrypt_cost" yaml:"bcrypt_cost" validate:"omitempty,min=4,max=31"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" validate:"gte=0"`
}

// AuditConfig selects where audit events go.
type AuditConfig struct {
	Sink        string `mapstructure:"sink" yaml:"sink" validate:"oneof=log file"`
	Path        string `mapstructure:"path" yaml:"path,omitempty" validate:"required_if=Sink file"`
	MinSeverity string `mapstructure:"min_severity" yaml:"min_severity" validate:"omitempty,oneof=debug info warning critical"`

	// ChainSecret, when set, hash-chains events so tampering is detectable.
	ChainSecret string `mapstructure:"chain_secret" yaml:"chain_secret,omitempty"`
}

type AdminConfig struct {
	// Token guards the admin API as a bearer token. Empty disables the check.
	Token string `mapstructure:"token" yaml:"token,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log:         hermes.LogConfig{Level: "info", Format: "json"},
		Permissions: PermissionsConfig{CacheTTL: themis.DefaultCacheTTL},
		APIKeys:     APIKeysConfig{BcryptCost: cerberus.DefaultBcryptCost, CacheTTL: cerberus.DefaultKeyCache},
		Sandbox:     erinyes.DefaultConfig(),
		Network:     styx.DefaultConfig(),
		Audit:       AuditConfig{Sink: "log", MinSeverity: "info"},
	}
}

// Load reads path (or minos.yaml from the working directory and /etc/minos when path is empty),
// applies MINOS_* overrides and validates the result. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if err := read(v, path); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func read(v *viper.Viper, path string) error {
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName("minos")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/minos")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")

	v.SetDefault("database.driver", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.auto_migrate", false)

	v.SetDefault("permissions.cache_ttl", d.Permissions.CacheTTL)
	v.SetDefault("api_keys.bcrypt_cost", d.APIKeys.BcryptCost)
	v.SetDefault("api_keys.cache_ttl", d.APIKeys.CacheTTL)

	s := d.Sandbox
	v.SetDefault("sandbox.enabled", s.Enabled)
	v.SetDefault("sandbox.hard_deadline", s.HardDeadline)
	v.SetDefault("sandbox.memory_watch_interval", s.MemoryWatchInterval)
	v.SetDefault("sandbox.violation_threshold", s.ViolationThreshold)
	v.SetDefault("sandbox.violation_window", s.ViolationWindow)
	v.SetDefault("sandbox.block_duration", s.BlockDuration)
	v.SetDefault("sandbox.error_window", s.ErrorWindow)
	v.SetDefault("sandbox.usage_retention", s.UsageRetention)
	v.SetDefault("sandbox.disable_in_registry", s.DisableInRegistry)

	l := s.Defaults
	v.SetDefault("sandbox.defaults.memory_bytes", l.MemoryBytes)
	v.SetDefault("sandbox.defaults.max_execution_time", l.MaxExecutionTime)
	v.SetDefault("sandbox.defaults.api_requests_per_minute", l.APIRequestsPerMinute)
	v.SetDefault("sandbox.defaults.api_requests_per_hour", l.APIRequestsPerHour)
	v.SetDefault("sandbox.defaults.api_requests_per_day", l.APIRequestsPerDay)
	v.SetDefault("sandbox.defaults.hook_executions_per_minute", l.HookExecutionsPerMinute)
	v.SetDefault("sandbox.defaults.entity_reads_per_minute", l.EntityReadsPerMinute)
	v.SetDefault("sandbox.defaults.entity_writes_per_minute", l.EntityWritesPerMinute)
	v.SetDefault("sandbox.defaults.network_requests_per_minute", l.NetworkRequestsPerMinute)
	v.SetDefault("sandbox.defaults.storage_bytes", l.StorageBytes)
	v.SetDefault("sandbox.defaults.network_bytes_per_day", l.NetworkBytesPerDay)
	v.SetDefault("sandbox.defaults.max_consecutive_errors", l.MaxConsecutiveErrors)
	v.SetDefault("sandbox.defaults.allowed_domains", []string{})

	v.SetDefault("network.deny_private", d.Network.DenyPrivate)
	v.SetDefault("network.deny_metadata", d.Network.DenyMetadata)
	v.SetDefault("network.allowed_cidrs", []string{})
	v.SetDefault("network.burst_per_second", d.Network.BurstPerSecond)
	v.SetDefault("network.burst", d.Network.Burst)

	v.SetDefault("audit.sink", d.Audit.Sink)
	v.SetDefault("audit.path", "")
	v.SetDefault("audit.min_severity", d.Audit.MinSeverity)
	v.SetDefault("audit.chain_secret", "")

	v.SetDefault("admin.token", "")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and compiles the sandbox block rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := erinyes.NewRuleSet(c.Sandbox.BlockRules); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Network.Contract(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "REDACTED"
		}
	}
	mask(&c.Redis.Password)
	mask(&c.Database.DSN)
	mask(&c.Audit.ChainSecret)
	mask(&c.Admin.Token)
	return c
}
