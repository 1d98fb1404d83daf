// Package config loads and validates the process configuration via viper,
// binding a YAML file (if any), environment variables, and built-in
// defaults. Environment variables take precedence over the file, and the
// file over the defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BackendType selects which concrete implementation a storage/queue
// contract is backed by.
type BackendType string

const (
	BackendInMemory     BackendType = "in-memory"
	BackendRemoteDocStore BackendType = "remote-doc-store"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	AsyncTask AsyncTaskConfig `mapstructure:"async-task"`
	KVStore   KVStoreConfig   `mapstructure:"kv-store"`
	MetaStore MetaStoreConfig `mapstructure:"meta-data-store"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"logging"`
}

// ServerConfig holds the HTTP server's own tunables.
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	ContextRoot string `mapstructure:"context-root"`
}

// AsyncTaskConfig holds the worker's tunables.
type AsyncTaskConfig struct {
	PollInterval    time.Duration `mapstructure:"poll-interval"`
	OperationsTopic string        `mapstructure:"operations-topic"`
	HandlerFn       string        `mapstructure:"handler-fn"`
}

// KVStoreConfig selects and configures the KV store backend.
type KVStoreConfig struct {
	Type  BackendType `mapstructure:"type"`
	Table string      `mapstructure:"table"`
}

// MetaStoreConfig selects and configures the metadata store backend.
type MetaStoreConfig struct {
	Type           BackendType `mapstructure:"type"`
	DatasetsTable  string      `mapstructure:"datasets-table"`
	VersionsTable  string      `mapstructure:"versions-table"`
}

// QueueConfig selects and configures the durable queue backend.
type QueueConfig struct {
	Type      BackendType   `mapstructure:"type"`
	LeaseTime time.Duration `mapstructure:"lease-time"`
}

// DatabaseConfig holds Postgres connection settings, consulted when
// KVStore.Type or MetaStore.Type is remote-doc-store.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig holds Redis connection settings, consulted when
// Queue.Type is remote-doc-store.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// LogConfig holds structured-logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig loads configuration from configPath (if non-empty), then
// overlays environment variables, falling back to defaults for anything
// neither sets. Unknown keys in the file are ignored by viper.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.context-root", "")

	viper.SetDefault("async-task.poll-interval", "1s")
	viper.SetDefault("async-task.operations-topic", "operations")
	viper.SetDefault("async-task.handler-fn", "default")

	viper.SetDefault("kv-store.type", "in-memory")
	viper.SetDefault("kv-store.table", "entries")

	viper.SetDefault("meta-data-store.type", "in-memory")
	viper.SetDefault("meta-data-store.datasets-table", "datasets")
	viper.SetDefault("meta-data-store.versions-table", "versions")

	viper.SetDefault("queue.type", "in-memory")
	viper.SetDefault("queue.lease-time", "60s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "versionstore")
	viper.SetDefault("database.username", "dev")
	viper.SetDefault("database.password", "dev")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 5)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.connect_timeout", "10s")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.dial_timeout", "5s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Validate checks the invariants the rest of the process relies on:
// a valid port, a recognized backend type per component, and that a
// remote-doc-store selection has the connection settings it needs.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	for name, backend := range map[string]BackendType{
		"kv-store.type":        c.KVStore.Type,
		"meta-data-store.type": c.MetaStore.Type,
		"queue.type":           c.Queue.Type,
	} {
		if backend != BackendInMemory && backend != BackendRemoteDocStore {
			return fmt.Errorf("%s: invalid backend type %q", name, backend)
		}
	}

	if c.KVStore.Type == BackendRemoteDocStore || c.MetaStore.Type == BackendRemoteDocStore {
		if c.Database.Host == "" || c.Database.Database == "" {
			return fmt.Errorf("database.host and database.database are required when a store uses remote-doc-store")
		}
	}

	if c.Queue.Type == BackendRemoteDocStore && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when queue.type is remote-doc-store")
	}

	if c.Queue.LeaseTime <= 0 {
		return fmt.Errorf("queue.lease-time must be positive")
	}

	if c.Log.Level == "" {
		return fmt.Errorf("logging.level cannot be empty")
	}

	return nil
}

// DatabaseURL constructs the Postgres connection string from the
// Database section.
func (c *Config) DatabaseURL() string {
	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username, c.Database.Password, c.Database.Host, c.Database.Port, c.Database.Database, sslMode)
}
