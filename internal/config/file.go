package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/erpimport/internal/importing"
	"github.com/JonMunkholm/erpimport/internal/task"
)

// ImportFile is the IMPORT_CONFIG_FILE overlay:
//
//	dependencies:
//	  material: [unit]
//	typeLimits:
//	  bom: 1
//	modules:
//	  purchase-order:
//	    batchInsertSize: 100
//	    transactionTimeoutSeconds: 1800
type ImportFile struct {
	Dependencies map[string][]string                 `yaml:"dependencies"`
	TypeLimits   map[string]int                      `yaml:"typeLimits"`
	Modules      map[string]importing.ModuleSettings `yaml:"modules"`
}

// LoadImportFile parses the overlay at path.
func LoadImportFile(path string) (ImportFile, error) {
	var f ImportFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read import config: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse import config %s: %w", path, err)
	}
	return f, nil
}

// validate reports overlay problems as messages for Config.Validate.
func (f ImportFile) validate() []string {
	var errs []string
	for _, t := range sortedKeys(f.TypeLimits) {
		if f.TypeLimits[t] <= 0 {
			errs = append(errs, fmt.Sprintf("typeLimits.%s (%d) must be positive", t, f.TypeLimits[t]))
		}
	}
	for _, t := range sortedKeys(f.Dependencies) {
		for _, p := range f.Dependencies[t] {
			if p == t {
				errs = append(errs, fmt.Sprintf("dependencies.%s must not list itself", t))
			}
		}
	}
	if cycle := findCycle(f.Dependencies); cycle != "" {
		errs = append(errs, "dependencies contain a cycle through "+cycle)
	}
	return errs
}

// findCycle returns one import type on a dependency cycle, or "".
func findCycle(deps map[string][]string) string {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(deps))

	var visit func(string) string
	visit = func(t string) string {
		switch state[t] {
		case visiting:
			return t
		case done:
			return ""
		}
		state[t] = visiting
		for _, p := range deps[t] {
			if p == t {
				continue
			}
			if c := visit(p); c != "" {
				return c
			}
		}
		state[t] = done
		return ""
	}

	for _, t := range sortedKeys(deps) {
		if c := visit(t); c != "" {
			return c
		}
	}
	return ""
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Dependencies returns the overlay's prerequisite map, or the built-in
// defaults when the overlay has none.
func (c *Config) Dependencies() task.DependencyConfig {
	if len(c.File.Dependencies) == 0 {
		return task.DefaultDependencies()
	}
	out := make(task.DependencyConfig, len(c.File.Dependencies))
	for t, prereqs := range c.File.Dependencies {
		out[t] = append([]string(nil), prereqs...)
	}
	return out
}

// ModuleConfig returns the import tunables with the built-in per-module
// overrides, replaced module by module by the overlay.
func (c *Config) ModuleConfig() *importing.ModuleConfig {
	overrides := importing.DefaultModuleOverrides()
	for m, s := range c.File.Modules {
		overrides[m] = s
	}
	return importing.NewModuleConfig(importing.ModuleSettings{
		BatchInsertSize:           c.Import.BatchInsertSize,
		MaxConcurrentBatches:      c.Import.MaxConcurrentBatches,
		BatchTimeoutMinutes:       c.Import.BatchTimeoutMinutes,
		MaxErrorCount:             c.Import.MaxErrorCount,
		TransactionTimeoutSeconds: c.Import.TransactionTimeoutSeconds,
		PreloadChunkSize:          c.Import.PreloadChunkSize,
	}, overrides)
}

// SchedulerSettings converts the env settings and overlay type limits to
// the scheduler's configuration.
func (c *Config) SchedulerSettings() task.SchedulerConfig {
	return task.SchedulerConfig{
		PollInterval:      c.Scheduler.PollInterval,
		PoolSize:          c.Scheduler.PoolSize,
		MaxConcurrent:     c.Scheduler.MaxConcurrent,
		TypeLimits:        c.File.TypeLimits,
		QueueCapacity:     c.Scheduler.QueueCapacity,
		SweepBatchSize:    c.Scheduler.SweepBatchSize,
		LeaseTimeout:      c.Scheduler.LeaseTimeout,
		HeartbeatInterval: c.Scheduler.HeartbeatInterval,
	}
}
