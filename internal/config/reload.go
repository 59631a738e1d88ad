package config

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"

	"gopkg.in/yaml.v3"
)

// ReloadResult describes what changed during a config reload.
type ReloadResult struct {
	Changed []string // list of changed fields
	Applied []string // successfully applied
	Skipped []string // require restart
	Errors  []error
}

// restartRequiredFields lists top-level config fields that cannot be
// hot-reloaded and require a full process restart.
var restartRequiredFields = map[string]bool{
	"Server.DataDir": true,
}

// hotReloadableFields lists fields that can be applied at runtime.
var hotReloadableFields = []string{
	"Server.LogLevel",
	"Shell",
	"Evolution",
	"Security",
	"Models",
	"Modules",
	"Scheduler",
}

// mu protects the Config during concurrent reload operations.
var mu sync.RWMutex

// RLock acquires a read lock on the config.
func RLock() { mu.RLock() }

// RUnlock releases a read lock on the config.
func RUnlock() { mu.RUnlock() }

// Reload re-reads the config from path, diffs against the current config,
// and applies hot-reloadable changes in place. Fields that require a
// restart are logged as skipped.
func (c *Config) Reload(path string) (*ReloadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config for reload: %w", err)
	}

	newCfg := DefaultConfig()
	if err := yaml.Unmarshal(data, newCfg); err != nil {
		return nil, fmt.Errorf("parse config for reload: %w", err)
	}

	result := &ReloadResult{}

	mu.Lock()
	defer mu.Unlock()

	// A YAML round trip turns a nil map or slice into an empty one; keep the
	// current nil in that case so an unchanged file is not reported as changed.
	if c.Models.Providers == nil && len(newCfg.Models.Providers) == 0 {
		newCfg.Models.Providers = nil
	}
	if c.Scheduler.Jobs == nil && len(newCfg.Scheduler.Jobs) == 0 {
		newCfg.Scheduler.Jobs = nil
	}
	if c.Security.Autonomy.AllowedRoots == nil && len(newCfg.Security.Autonomy.AllowedRoots) == 0 {
		newCfg.Security.Autonomy.AllowedRoots = nil
	}

	diffAndApply(c, newCfg, result)

	return result, nil
}

// diffAndApply compares old and new configs, applying hot-reloadable changes.
func diffAndApply(old, new *Config, result *ReloadResult) {
	if old.Server.DataDir != new.Server.DataDir {
		result.Changed = append(result.Changed, "Server.DataDir")
		result.Skipped = append(result.Skipped, "Server.DataDir (requires restart)")
	}

	if old.Server.LogLevel != new.Server.LogLevel {
		result.Changed = append(result.Changed, "Server.LogLevel")
		old.Server.LogLevel = new.Server.LogLevel
		result.Applied = append(result.Applied, "Server.LogLevel")
	}
	if old.Server.SQLiteMirror != new.Server.SQLiteMirror {
		result.Changed = append(result.Changed, "Server.SQLiteMirror")
		old.Server.SQLiteMirror = new.Server.SQLiteMirror
		result.Applied = append(result.Applied, "Server.SQLiteMirror")
	}

	if !reflect.DeepEqual(old.Shell, new.Shell) {
		result.Changed = append(result.Changed, "Shell")
		old.Shell = new.Shell
		result.Applied = append(result.Applied, "Shell")
	}

	if !reflect.DeepEqual(old.Evolution, new.Evolution) {
		result.Changed = append(result.Changed, "Evolution")
		old.Evolution = new.Evolution
		result.Applied = append(result.Applied, "Evolution")
	}

	if !reflect.DeepEqual(old.Security, new.Security) {
		result.Changed = append(result.Changed, "Security")
		old.Security = new.Security
		result.Applied = append(result.Applied, "Security")
	}

	if !reflect.DeepEqual(old.Models, new.Models) {
		result.Changed = append(result.Changed, "Models")
		old.Models = new.Models
		result.Applied = append(result.Applied, "Models")
	}

	if !reflect.DeepEqual(old.Modules, new.Modules) {
		result.Changed = append(result.Changed, "Modules")
		old.Modules = new.Modules
		result.Applied = append(result.Applied, "Modules")
	}

	if !reflect.DeepEqual(old.Scheduler, new.Scheduler) {
		result.Changed = append(result.Changed, "Scheduler")
		old.Scheduler = new.Scheduler
		result.Applied = append(result.Applied, "Scheduler")
	}
}

// LogResult logs the reload result at the appropriate levels.
func (r *ReloadResult) LogResult(logger *slog.Logger) {
	if len(r.Changed) == 0 {
		logger.Info("config reload: no changes detected")
		return
	}

	logger.Info("config reload complete",
		"changed", len(r.Changed),
		"applied", len(r.Applied),
		"skipped", len(r.Skipped),
		"errors", len(r.Errors),
	)

	for _, field := range r.Applied {
		logger.Info("config field hot-reloaded", "field", field)
	}

	for _, field := range r.Skipped {
		logger.Warn("config field requires restart", "field", field)
	}

	for _, err := range r.Errors {
		logger.Error("config reload error", "error", err)
	}
}

// IsRestartRequired returns true if the field requires a restart.
func IsRestartRequired(field string) bool {
	return restartRequiredFields[field]
}

// HotReloadableFields returns the list of hot-reloadable field names.
func HotReloadableFields() []string {
	return hotReloadableFields
}
