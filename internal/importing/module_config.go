package importing

import (
	"sort"
	"time"
)

// Global defaults for import tuning.
const (
	DefaultBatchInsertSize           = 1000
	DefaultBatchTimeoutMinutes       = 30
	DefaultTransactionTimeoutSeconds = 120
	DefaultPreloadChunkSize          = 1000
)

// ModuleSettings are the tunables for one import module.
// In an override, zero fields inherit the global value.
type ModuleSettings struct {
	BatchInsertSize           int `yaml:"batchInsertSize" json:"batchInsertSize"`
	MaxConcurrentBatches      int `yaml:"maxConcurrentBatches" json:"maxConcurrentBatches"`
	BatchTimeoutMinutes       int `yaml:"batchTimeoutMinutes" json:"batchTimeoutMinutes"`
	MaxErrorCount             int `yaml:"maxErrorCount" json:"maxErrorCount"`
	TransactionTimeoutSeconds int `yaml:"transactionTimeoutSeconds" json:"transactionTimeoutSeconds"`
	PreloadChunkSize          int `yaml:"preloadChunkSize" json:"preloadChunkSize"`
}

// DefaultModuleSettings returns the global defaults.
func DefaultModuleSettings() ModuleSettings {
	return ModuleSettings{
		BatchInsertSize:           DefaultBatchInsertSize,
		MaxConcurrentBatches:      DefaultMaxConcurrentBatches,
		BatchTimeoutMinutes:       DefaultBatchTimeoutMinutes,
		MaxErrorCount:             DefaultMaxErrors,
		TransactionTimeoutSeconds: DefaultTransactionTimeoutSeconds,
		PreloadChunkSize:          DefaultPreloadChunkSize,
	}
}

// DefaultModuleOverrides returns the built-in per-module overrides.
// Purchase orders carry many lines per header, so they commit in smaller
// chunks with a longer transaction budget.
func DefaultModuleOverrides() map[string]ModuleSettings {
	return map[string]ModuleSettings{
		"purchase-order": {
			BatchInsertSize:           100,
			TransactionTimeoutSeconds: 1800,
		},
	}
}

// BatchTimeout is the overall join deadline for one BatchProcessor run.
func (s ModuleSettings) BatchTimeout() time.Duration {
	return time.Duration(s.BatchTimeoutMinutes) * time.Minute
}

// TransactionTimeout bounds a single chunk transaction.
func (s ModuleSettings) TransactionTimeout() time.Duration {
	return time.Duration(s.TransactionTimeoutSeconds) * time.Second
}

// merge returns s with zero fields taken from base.
func (s ModuleSettings) merge(base ModuleSettings) ModuleSettings {
	out := base
	if s.BatchInsertSize > 0 {
		out.BatchInsertSize = s.BatchInsertSize
	}
	if s.MaxConcurrentBatches > 0 {
		out.MaxConcurrentBatches = s.MaxConcurrentBatches
	}
	if s.BatchTimeoutMinutes > 0 {
		out.BatchTimeoutMinutes = s.BatchTimeoutMinutes
	}
	if s.MaxErrorCount > 0 {
		out.MaxErrorCount = s.MaxErrorCount
	}
	if s.TransactionTimeoutSeconds > 0 {
		out.TransactionTimeoutSeconds = s.TransactionTimeoutSeconds
	}
	if s.PreloadChunkSize > 0 {
		out.PreloadChunkSize = s.PreloadChunkSize
	}
	return out
}

// ModuleConfig resolves the effective settings for each import module.
type ModuleConfig struct {
	defaults  ModuleSettings
	overrides map[string]ModuleSettings
}

// NewModuleConfig creates a ModuleConfig. Zero fields in defaults fall back
// to DefaultModuleSettings.
func NewModuleConfig(defaults ModuleSettings, overrides map[string]ModuleSettings) *ModuleConfig {
	c := &ModuleConfig{
		defaults:  defaults.merge(DefaultModuleSettings()),
		overrides: make(map[string]ModuleSettings, len(overrides)),
	}
	for module, s := range overrides {
		c.overrides[module] = s
	}
	return c
}

// For returns the effective settings for module.
func (c *ModuleConfig) For(module string) ModuleSettings {
	if c == nil {
		return DefaultModuleSettings()
	}
	if o, ok := c.overrides[module]; ok {
		return o.merge(c.defaults)
	}
	return c.defaults
}

// Defaults returns the global settings.
func (c *ModuleConfig) Defaults() ModuleSettings {
	return c.defaults
}

// Modules returns the names of modules with overrides, sorted.
func (c *ModuleConfig) Modules() []string {
	out := make([]string, 0, len(c.overrides))
	for m := range c.overrides {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
