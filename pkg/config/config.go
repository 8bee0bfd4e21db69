// Package config loads and validates the server configuration from a
// file and LAMINA_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Backend names accepted by the configuration.
const (
	DataBackendFS     = "fs"
	DataBackendMemory = "memory"

	MetadataBackendFS     = "fs"
	MetadataBackendInline = "inline"
	MetadataBackendMemory = "memory"
	MetadataBackendBolt   = "bbolt"
	MetadataBackendSQLite = "sqlite"
	MetadataBackendPG     = "postgres"
	MetadataBackendXattr  = "xattr"

	LockBackendLocal = "local"
	LockBackendRedis = "redis"
)

// Config is the full server configuration.
type Config struct {
	Listen      string `mapstructure:"listen"`
	Region      string `mapstructure:"region"`
	DataDir     string `mapstructure:"data_dir"`
	Credentials string `mapstructure:"credentials"`

	Storage    StorageConfig    `mapstructure:"storage"`
	Lock       LockConfig       `mapstructure:"lock"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Log        LogConfig        `mapstructure:"log"`
}

// StorageConfig selects the data and metadata backends.
type StorageConfig struct {
	Data     string `mapstructure:"data"`
	Metadata string `mapstructure:"metadata"`
	// DSN is the connection string for sqlite/postgres metadata, or the
	// database file path for bbolt.
	DSN string `mapstructure:"dsn"`
	// XattrName overrides the extended attribute name for the xattr
	// metadata backend.
	XattrName string `mapstructure:"xattr_name"`
}

// LockConfig selects the lock manager.
type LockConfig struct {
	Backend       string `mapstructure:"backend"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	// RedisKeyPrefix namespaces lock keys, isolating tenants that share
	// a Redis instance.
	RedisKeyPrefix string `mapstructure:"redis_key_prefix"`
	// RedisTTL is the lock expiry; holders refresh it while working.
	RedisTTL time.Duration `mapstructure:"redis_ttl"`
	// RedisMaxRetries bounds acquisition attempts before giving up.
	RedisMaxRetries int `mapstructure:"redis_max_retries"`
}

// MonitoringConfig controls the metrics listener.
type MonitoringConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AccessLog bool   `mapstructure:"access_log"`
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LAMINA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("region", "us-east-1")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("credentials", "")
	v.SetDefault("storage.data", DataBackendFS)
	v.SetDefault("storage.metadata", MetadataBackendFS)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.xattr_name", "")
	v.SetDefault("lock.backend", LockBackendLocal)
	v.SetDefault("lock.redis_addr", "127.0.0.1:6379")
	v.SetDefault("lock.redis_password", "")
	v.SetDefault("lock.redis_db", 0)
	v.SetDefault("lock.redis_key_prefix", "lamina:lock:")
	v.SetDefault("lock.redis_ttl", "30s")
	v.SetDefault("lock.redis_max_retries", 50)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.listen", ":9090")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.access_log", true)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
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

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Storage.Data {
	case DataBackendFS, DataBackendMemory:
	default:
		return fmt.Errorf("unknown data backend %q", c.Storage.Data)
	}

	switch c.Storage.Metadata {
	case MetadataBackendFS, MetadataBackendInline, MetadataBackendMemory, MetadataBackendXattr:
	case MetadataBackendBolt, MetadataBackendSQLite, MetadataBackendPG:
		if c.Storage.DSN == "" {
			return fmt.Errorf("metadata backend %q requires storage.dsn", c.Storage.Metadata)
		}
	default:
		return fmt.Errorf("unknown metadata backend %q", c.Storage.Metadata)
	}

	if c.Storage.Data == DataBackendMemory {
		switch c.Storage.Metadata {
		case MetadataBackendInline, MetadataBackendXattr:
			return fmt.Errorf("metadata backend %q needs filesystem data storage", c.Storage.Metadata)
		}
	}

	switch c.Lock.Backend {
	case LockBackendLocal:
	case LockBackendRedis:
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock backend %q requires lock.redis_addr", c.Lock.Backend)
		}
		if c.Lock.RedisTTL <= 0 {
			return fmt.Errorf("lock.redis_ttl must be positive, got %s", c.Lock.RedisTTL)
		}
		if c.Lock.RedisMaxRetries < 1 {
			return fmt.Errorf("lock.redis_max_retries must be at least 1, got %d", c.Lock.RedisMaxRetries)
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}

	if c.DataDir == "" && c.Storage.Data == DataBackendFS {
		return fmt.Errorf("data_dir must be set for filesystem storage")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}

	if _, err := c.ParseCredentials(); err != nil {
		return err
	}
	return nil
}

// ParseCredentials splits the comma-separated accessKeyID:secret pairs.
func (c *Config) ParseCredentials() (map[string]string, error) {
	if c.Credentials == "" {
		return nil, nil
	}
	creds := make(map[string]string)
	for _, pair := range strings.Split(c.Credentials, ",") {
		id, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("malformed credential pair %q", pair)
		}
		creds[id] = secret
	}
	return creds, nil
}

// NewLogger builds a logger per the log configuration.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.Log.Level)
	if err == nil {
		logger.SetLevel(level)
	}
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
