// Package config provides centralized configuration management for the
// import service. It loads configuration from environment variables with
// sensible defaults, overlays the optional import YAML file, and validates
// all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Upload    UploadConfig
	Scheduler SchedulerConfig
	Import    ImportConfig
	Events    EventsConfig
	Cache     CacheConfig
	Metrics   MetricsConfig
	Logging   LoggingConfig

	// File is the IMPORT_CONFIG_FILE overlay; zero when no file is set.
	File ImportFile
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing response (default: 60s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds HTTP drain and scheduler drain (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// MigrateOnStart runs goose migrations before the server starts (default: true)
	MigrateOnStart bool `env:"DB_MIGRATE_ON_START" default:"true"`
}

// UploadConfig bounds concurrent file submissions over HTTP.
type UploadConfig struct {
	// MaxConcurrent is the number of submissions parsed at once (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for a submission slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s"`

	// MaxMemory is the multipart form memory budget in bytes (default: 32MB)
	MaxMemory int64 `env:"UPLOAD_MAX_MEMORY" default:"33554432"`
}

// SchedulerConfig holds the task scheduler tunables.
type SchedulerConfig struct {
	// Enabled runs the scheduler in this process (default: true)
	Enabled bool `env:"SCHEDULER_ENABLED" default:"true"`

	PollInterval   time.Duration `env:"SCHEDULER_POLL_INTERVAL" default:"2s"`
	PoolSize       int           `env:"SCHEDULER_POOL_SIZE" default:"4"`
	MaxConcurrent  int           `env:"SCHEDULER_MAX_CONCURRENT" default:"4"`
	QueueCapacity  int           `env:"SCHEDULER_QUEUE_CAPACITY" default:"100"`
	SweepBatchSize int           `env:"SCHEDULER_SWEEP_BATCH_SIZE" default:"50"`

	// LeaseTimeout > 0 reclaims RUNNING tasks with a stale heartbeat (default: off)
	LeaseTimeout      time.Duration `env:"SCHEDULER_LEASE_TIMEOUT" default:"0s"`
	HeartbeatInterval time.Duration `env:"SCHEDULER_HEARTBEAT_INTERVAL" default:"30s"`
}

// ImportConfig holds the global import tunables. Per-module overrides come
// from the IMPORT_CONFIG_FILE overlay.
type ImportConfig struct {
	BatchInsertSize           int `env:"IMPORT_BATCH_INSERT_SIZE" default:"1000"`
	MaxConcurrentBatches      int `env:"IMPORT_MAX_CONCURRENT_BATCHES" default:"10"`
	BatchTimeoutMinutes       int `env:"IMPORT_BATCH_TIMEOUT_MINUTES" default:"30"`
	MaxErrorCount             int `env:"IMPORT_MAX_ERROR_COUNT" default:"1000"`
	TransactionTimeoutSeconds int `env:"IMPORT_TRANSACTION_TIMEOUT_SECONDS" default:"120"`
	PreloadChunkSize          int `env:"IMPORT_PRELOAD_CHUNK_SIZE" default:"1000"`

	// MaxFileSize rejects larger uploads in bytes (default: 100MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"104857600"`

	// ConfigFile is an optional YAML overlay path
	ConfigFile string `env:"IMPORT_CONFIG_FILE"`
}

// EventsConfig selects the lifecycle event transport.
type EventsConfig struct {
	// KafkaBrokers switches events to Kafka when set (comma-separated)
	KafkaBrokers []string `env:"KAFKA_BROKERS"`

	Topic string `env:"EVENTS_TOPIC" default:"erpimport.task-events"`

	// Log subscribes a logging consumer to the in-process transport (default: true)
	Log bool `env:"EVENTS_LOG" default:"true"`
}

// CacheConfig configures the optional Redis code cache.
type CacheConfig struct {
	// RedisURL enables the cache when set, e.g. redis://localhost:6379/0
	RedisURL string        `env:"REDIS_URL"`
	Prefix   string        `env:"REDIS_KEY_PREFIX" default:"erpimport"`
	TTL      time.Duration `env:"REDIS_CACHE_TTL" default:"10m"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `env:"METRICS_ENABLED" default:"true"`
	Path    string `env:"METRICS_PATH" default:"/metrics"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
