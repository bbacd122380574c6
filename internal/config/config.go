// Package config loads the service configuration from config.yaml and
// EXAMFORGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/examforge/guard/store"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDatabase = "database"
)

type Config struct {
	Server     ServerConfig   `mapstructure:"server"`
	Logger     LoggerConfig   `mapstructure:"logger"`
	Database   DatabaseConfig `mapstructure:"database"`
	Redis      RedisConfig    `mapstructure:"redis"`
	Store      StoreConfig    `mapstructure:"store"`
	Guard      PolicyConfig   `mapstructure:"guard"`
	IPThrottle ThrottleConfig `mapstructure:"ip_throttle"`
	Admin      AdminConfig    `mapstructure:"admin"`
}

type ServerConfig struct {
	Host                   string `mapstructure:"host"`
	Port                   int    `mapstructure:"port"`
	ReadTimeoutSeconds     int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `mapstructure:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

func (s *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig selects MySQL (driver "mysql") or a SQLite file (driver "sqlite").
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	Path            string `mapstructure:"path"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.Username, d.Password, d.Host, d.Port, d.Database)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	PoolSize int    `mapstructure:"pool_size"`
}

func (r *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StoreConfig picks where attempt counters live.
type StoreConfig struct {
	Backend              string `mapstructure:"backend"`
	FailOpen             bool   `mapstructure:"fail_open"`
	SweepIntervalSeconds int    `mapstructure:"sweep_interval_seconds"`
}

func (s *StoreConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

// PolicyConfig is a limit per window.
type PolicyConfig struct {
	Limit         int64 `mapstructure:"limit"`
	WindowSeconds int64 `mapstructure:"window_seconds"`
}

func (p PolicyConfig) Policy() store.Policy {
	return store.Policy{Limit: p.Limit, Window: time.Duration(p.WindowSeconds) * time.Second}
}

type ThrottleConfig struct {
	Enabled       bool  `mapstructure:"enabled"`
	Limit         int64 `mapstructure:"limit"`
	WindowSeconds int64 `mapstructure:"window_seconds"`
	// TrustProxy keys on X-Forwarded-For instead of the socket address.
	TrustProxy bool `mapstructure:"trust_proxy"`
}

func (t ThrottleConfig) Policy() store.Policy {
	return PolicyConfig{Limit: t.Limit, WindowSeconds: t.WindowSeconds}.Policy()
}

type AdminConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
}

// Load reads config.yaml from ./ or ./configs, or from path when set.
// A missing file is not an error when path is empty; defaults and
// environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("EXAMFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendDatabase:
	default:
		return fmt.Errorf("invalid store.backend %q: want memory, redis or database", c.Store.Backend)
	}

	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		return fmt.Errorf("invalid database.driver %q: want mysql or sqlite", c.Database.Driver)
	}

	if !c.Guard.Policy().Valid() {
		return fmt.Errorf("invalid guard policy: limit=%d window_seconds=%d", c.Guard.Limit, c.Guard.WindowSeconds)
	}
	if c.IPThrottle.Enabled && !c.IPThrottle.Policy().Valid() {
		return fmt.Errorf("invalid ip_throttle policy: limit=%d window_seconds=%d", c.IPThrottle.Limit, c.IPThrottle.WindowSeconds)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout_seconds", 10)
	v.SetDefault("server.write_timeout_seconds", 10)
	v.SetDefault("server.shutdown_timeout_seconds", 15)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output_path", "stdout")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "examforge.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.username", "root")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "examforge")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", 60)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "guard:")
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.fail_open", false)
	v.SetDefault("store.sweep_interval_seconds", 300)

	v.SetDefault("guard.limit", 5)
	v.SetDefault("guard.window_seconds", 900)

	v.SetDefault("ip_throttle.enabled", true)
	v.SetDefault("ip_throttle.limit", 30)
	v.SetDefault("ip_throttle.window_seconds", 60)
	v.SetDefault("ip_throttle.trust_proxy", false)

	v.SetDefault("admin.api_keys", []string{})
}
