// Package config loads lmstrace configuration from, in increasing precedence:
// defaults, an optional YAML config file, .env files, LMSTRACE_* environment
// variables and command-line flags bound to the same keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/vincentbai/lmstrace/internal/logging"
)

const EnvPrefix = "LMSTRACE"

// Storage backends for the session-scoped store.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Keys shared by viper, env vars and cobra flags.
const (
	KeyEndpoint       = "collector.endpoint"
	KeyFlushInterval  = "collector.flush_interval"
	KeyScrollDebounce = "collector.scroll_debounce"
	KeyRequestTimeout = "collector.request_timeout"
	KeyBeaconTimeout  = "collector.beacon_timeout"
	KeyMaxBuffer      = "collector.max_buffer"
	KeyMaxBackup      = "collector.max_backup"

	KeyStorageBackend = "storage.backend"
	KeyStoragePath    = "storage.path"
	KeyStorageScope   = "storage.scope"
	KeyRedisAddress   = "storage.redis.address"
	KeyRedisPassword  = "storage.redis.password"
	KeyRedisDatabase  = "storage.redis.database"
	KeyRedisTTL       = "storage.redis.ttl"

	KeyServerAddress  = "server.address"
	KeyServerDatabase = "server.database"

	KeyLogLevel  = "log.level"
	KeyLogFormat = "log.format"
	KeyLogOutput = "log.output"
)

type Config struct {
	Collector CollectorConfig
	Storage   StorageConfig
	Server    ServerConfig
	Log       logging.Config

	// File is the config file that was read, if any.
	File string
}

// CollectorConfig tunes the telemetry collector and its transport.
type CollectorConfig struct {
	Endpoint       string
	FlushInterval  time.Duration
	ScrollDebounce time.Duration
	RequestTimeout time.Duration
	BeaconTimeout  time.Duration
	MaxBuffer      int
	MaxBackup      int
}

type StorageConfig struct {
	Backend string
	// Path is the SQLite database file for the sqlite backend.
	Path string
	// Scope isolates one browsing session's keys from another's.
	Scope         string
	RedisAddress  string
	RedisPassword string
	RedisDatabase int
	RedisTTL      time.Duration
}

type ServerConfig struct {
	Address  string
	Database string
}

// SetDefaults registers every key with its default so environment variables
// are honoured for all of them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyEndpoint, "http://127.0.0.1:8123")
	v.SetDefault(KeyFlushInterval, 5*time.Second)
	v.SetDefault(KeyScrollDebounce, 100*time.Millisecond)
	v.SetDefault(KeyRequestTimeout, 10*time.Second)
	v.SetDefault(KeyBeaconTimeout, 2*time.Second)
	v.SetDefault(KeyMaxBuffer, 1000)
	v.SetDefault(KeyMaxBackup, 1000)

	v.SetDefault(KeyStorageBackend, BackendMemory)
	v.SetDefault(KeyStoragePath, "")
	v.SetDefault(KeyStorageScope, "default")
	v.SetDefault(KeyRedisAddress, "127.0.0.1:6379")
	v.SetDefault(KeyRedisPassword, "")
	v.SetDefault(KeyRedisDatabase, 0)
	v.SetDefault(KeyRedisTTL, 12*time.Hour)

	v.SetDefault(KeyServerAddress, "127.0.0.1:8123")
	v.SetDefault(KeyServerDatabase, "")

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "auto")
	v.SetDefault(KeyLogOutput, "stderr")
}

// Load reads configuration into v. configFile may be empty, in which case
// lmstrace.yaml is looked up in the working directory and the application
// directory; a missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	loadEnvFiles()

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("lmstrace")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := ApplicationDir(); err == nil {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Collector: CollectorConfig{
			Endpoint:       v.GetString(KeyEndpoint),
			FlushInterval:  v.GetDuration(KeyFlushInterval),
			ScrollDebounce: v.GetDuration(KeyScrollDebounce),
			RequestTimeout: v.GetDuration(KeyRequestTimeout),
			BeaconTimeout:  v.GetDuration(KeyBeaconTimeout),
			MaxBuffer:      v.GetInt(KeyMaxBuffer),
			MaxBackup:      v.GetInt(KeyMaxBackup),
		},
		Storage: StorageConfig{
			Backend:       strings.ToLower(v.GetString(KeyStorageBackend)),
			Path:          v.GetString(KeyStoragePath),
			Scope:         v.GetString(KeyStorageScope),
			RedisAddress:  v.GetString(KeyRedisAddress),
			RedisPassword: v.GetString(KeyRedisPassword),
			RedisDatabase: v.GetInt(KeyRedisDatabase),
			RedisTTL:      v.GetDuration(KeyRedisTTL),
		},
		Server: ServerConfig{
			Address:  v.GetString(KeyServerAddress),
			Database: v.GetString(KeyServerDatabase),
		},
		Log: logging.Config{
			Level:   v.GetString(KeyLogLevel),
			Format:  v.GetString(KeyLogFormat),
			Output:  v.GetString(KeyLogOutput),
			NoColor: os.Getenv("NO_COLOR") != "",
		},
		File: v.ConfigFileUsed(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory, BackendRedis:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("%s is required for the sqlite backend", KeyStoragePath)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Collector.Endpoint == "" {
		return fmt.Errorf("%s is required", KeyEndpoint)
	}
	if c.Collector.FlushInterval <= 0 {
		return fmt.Errorf("%s must be positive", KeyFlushInterval)
	}
	if c.Collector.MaxBuffer <= 0 || c.Collector.MaxBackup <= 0 {
		return fmt.Errorf("%s and %s must be positive", KeyMaxBuffer, KeyMaxBackup)
	}
	return nil
}

// DatabasePath returns the configured server database, defaulting to
// events.db in the application directory (created if needed).
func (c *Config) DatabasePath() (string, error) {
	if c.Server.Database != "" {
		return c.Server.Database, nil
	}
	dir, err := ApplicationDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create application directory: %w", err)
	}
	return filepath.Join(dir, "events.db"), nil
}

// ApplicationDir is the platform-specific data directory.
func ApplicationDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "LMSTrace"), nil
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "LMSTrace"), nil
	default: // linux and others
		return filepath.Join(home, ".local", "share", "LMSTrace"), nil
	}
}

// loadEnvFiles loads .env then .env.local. Variables already set in the
// environment are not overridden.
func loadEnvFiles() {
	for _, file := range []string{".env", ".env.local"} {
		_ = godotenv.Load(file)
	}
}
