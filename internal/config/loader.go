package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if cfg.Import.ConfigFile != "" {
		f, err := LoadImportFile(cfg.Import.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("config load: %w", err)
		}
		cfg.File = f
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		// Get tags
		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		// Set the field value
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			// Split comma-separated values, trim whitespace
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					result = append(result, p)
				}
			}
			field.Set(reflect.ValueOf(result))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Upload validation
	if c.Upload.MaxConcurrent <= 0 {
		errs = append(errs, "UPLOAD_MAX_CONCURRENT must be positive")
	}
	if c.Upload.MaxWaitTime <= 0 {
		errs = append(errs, "UPLOAD_MAX_WAIT_TIME must be positive")
	}
	if c.Upload.MaxMemory <= 0 {
		errs = append(errs, "UPLOAD_MAX_MEMORY must be positive")
	}

	// Scheduler validation
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, "SCHEDULER_POLL_INTERVAL must be positive")
	}
	if c.Scheduler.PoolSize <= 0 {
		errs = append(errs, "SCHEDULER_POOL_SIZE must be positive")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		errs = append(errs, "SCHEDULER_MAX_CONCURRENT must be positive")
	}
	if c.Scheduler.QueueCapacity <= 0 {
		errs = append(errs, "SCHEDULER_QUEUE_CAPACITY must be positive")
	}
	if c.Scheduler.SweepBatchSize <= 0 {
		errs = append(errs, "SCHEDULER_SWEEP_BATCH_SIZE must be positive")
	}
	if c.Scheduler.LeaseTimeout < 0 {
		errs = append(errs, "SCHEDULER_LEASE_TIMEOUT must be non-negative")
	}
	if c.Scheduler.LeaseTimeout > 0 && c.Scheduler.LeaseTimeout <= c.Scheduler.HeartbeatInterval {
		errs = append(errs, fmt.Sprintf("SCHEDULER_LEASE_TIMEOUT (%s) must exceed SCHEDULER_HEARTBEAT_INTERVAL (%s)",
			c.Scheduler.LeaseTimeout, c.Scheduler.HeartbeatInterval))
	}

	// Import validation
	if c.Import.BatchInsertSize <= 0 {
		errs = append(errs, "IMPORT_BATCH_INSERT_SIZE must be positive")
	}
	if c.Import.MaxConcurrentBatches <= 0 {
		errs = append(errs, "IMPORT_MAX_CONCURRENT_BATCHES must be positive")
	}
	if c.Import.BatchTimeoutMinutes <= 0 {
		errs = append(errs, "IMPORT_BATCH_TIMEOUT_MINUTES must be positive")
	}
	if c.Import.MaxErrorCount <= 0 {
		errs = append(errs, "IMPORT_MAX_ERROR_COUNT must be positive")
	}
	if c.Import.TransactionTimeoutSeconds <= 0 {
		errs = append(errs, "IMPORT_TRANSACTION_TIMEOUT_SECONDS must be positive")
	}
	if c.Import.MaxFileSize <= 0 {
		errs = append(errs, "IMPORT_MAX_FILE_SIZE must be positive")
	}
	for _, e := range c.File.validate() {
		errs = append(errs, "IMPORT_CONFIG_FILE: "+e)
	}

	// Events and cache validation
	if c.Events.Topic == "" {
		errs = append(errs, "EVENTS_TOPIC must not be empty")
	}
	if c.Cache.RedisURL != "" && c.Cache.TTL <= 0 {
		errs = append(errs, "REDIS_CACHE_TTL must be positive when REDIS_URL is set")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Sprintf("METRICS_PATH (%q) must start with /", c.Metrics.Path))
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Database and Redis URLs are masked.
func (c *Config) String() string {
	redis := "disabled"
	if c.Cache.RedisURL != "" {
		redis = "[MASKED]"
	}

	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Scheduler: {Enabled: %v, Poll: %s, Pool: %d, MaxConcurrent: %d, Lease: %s}, ",
		c.Scheduler.Enabled, c.Scheduler.PollInterval, c.Scheduler.PoolSize, c.Scheduler.MaxConcurrent, c.Scheduler.LeaseTimeout))
	b.WriteString(fmt.Sprintf("Import: {BatchInsertSize: %d, MaxConcurrentBatches: %d, MaxFileSize: %d, ConfigFile: %q}, ",
		c.Import.BatchInsertSize, c.Import.MaxConcurrentBatches, c.Import.MaxFileSize, c.Import.ConfigFile))
	b.WriteString(fmt.Sprintf("Events: {Kafka: %v, Topic: %q}, ", len(c.Events.KafkaBrokers) > 0, c.Events.Topic))
	b.WriteString(fmt.Sprintf("Cache: {Redis: %s}, ", redis))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
