// Package config loads and hot-reloads the agent's YAML configuration: the
// evolution engine's tunables, the module source directories the loader
// watches, the text-generator routing table, and the ambient security and
// scheduler sections.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/ellmago/ellma/internal/security"
)

// Config holds all ellma configuration.
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Shell     ShellConfig              `yaml:"shell"`
	Evolution EvolutionConfig          `yaml:"evolution"`
	Security  security.SecurityConfig  `yaml:"security"`
	Models    ModelsConfig             `yaml:"models"`
	Modules   ModulesConfig            `yaml:"modules"`
	Scheduler SchedulerConfig          `yaml:"scheduler"`
}

// ServerConfig controls ambient runtime settings: where state is persisted
// and how verbosely the agent logs.
type ServerConfig struct {
	DataDir      string `yaml:"data_dir"`
	LogLevel     string `yaml:"log_level"`
	SQLiteMirror bool   `yaml:"sqlite_mirror"`
}

// ShellConfig controls the CommandDispatcher's natural-language fallback.
type ShellConfig struct {
	UseNLP bool `yaml:"use_nlp"`
}

// EvolutionConfig holds every tunable §6 names for the evolution engine.
// Several fields (ExplorationRate, MaxDepth, MaxIterations, CPUThreads,
// EnableParallel, EnableBenchmark) are preserved as forward-compatible
// knobs: no phase of the current engine consumes them yet.
type EvolutionConfig struct {
	Enabled                bool    `yaml:"enabled"`
	AutoImprove            bool    `yaml:"auto_improve"`
	EvolutionInterval      int     `yaml:"evolution_interval"`
	MaxModules             int     `yaml:"max_modules"`
	BackupBeforeEvolution  bool    `yaml:"backup_before_evolution"`
	LearningRate           float64 `yaml:"learning_rate"`
	ExplorationRate        float64 `yaml:"exploration_rate"`
	MaxDepth               int     `yaml:"max_depth"`
	MaxIterations          int     `yaml:"max_iterations"`
	MaxMemoryMB            int     `yaml:"max_memory_mb"`
	MaxRuntimeMinutes      int     `yaml:"max_runtime_minutes"`
	CPUThreads             int     `yaml:"cpu_threads"`
	EnableParallel         bool    `yaml:"enable_parallel"`
	EnableRollback         bool    `yaml:"enable_rollback"`
	EnableBenchmark        bool    `yaml:"enable_benchmark"`
	AllowNewModules        bool    `yaml:"allow_new_modules"`
	AllowModuleRemoval     bool    `yaml:"allow_module_removal"`
	MinModuleUsage         int     `yaml:"min_module_usage"`
	TargetSuccessRate      float64 `yaml:"target_success_rate"`
	TargetExecutionTimeSec float64 `yaml:"target_execution_time"`
	MinImprovement         float64 `yaml:"min_improvement"`

	// MinDiskMB gates the resource-constrained precondition (§4.7) together
	// with MaxMemoryMB's heap ceiling. MinMemoryMB is loaded and defaulted
	// but no phase reads it: host-wide free memory is not checked. Neither
	// field is named directly in §6.
	MinMemoryMB int `yaml:"min_memory_mb"`
	MinDiskMB   int `yaml:"min_disk_mb"`
}

// ModulesConfig lists the directories ModuleLoader scans for module.toml/
// module.yaml manifests at startup.
type ModulesConfig struct {
	Dirs         []string `yaml:"dirs"`
	WatchEnabled bool     `yaml:"watch_enabled"`
}

// SchedulerConfig carries the job list §4.9's Scheduler loads at startup.
type SchedulerConfig struct {
	Enabled bool                     `yaml:"enabled"`
	Jobs    []map[string]interface{} `yaml:"jobs"`
}

// DefaultConfig returns a sensible default configuration matching every
// default named in §6.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			DataDir:  "./data",
			LogLevel: "info",
		},
		Shell: ShellConfig{
			UseNLP: true,
		},
		Evolution: EvolutionConfig{
			Enabled:                true,
			AutoImprove:            true,
			EvolutionInterval:      50,
			MaxModules:             100,
			BackupBeforeEvolution:  true,
			LearningRate:           0.1,
			ExplorationRate:        0.2,
			MaxDepth:               5,
			MaxIterations:          100,
			MaxMemoryMB:            4096,
			MaxRuntimeMinutes:      30,
			CPUThreads:             0,
			AllowNewModules:        true,
			AllowModuleRemoval:     false,
			MinModuleUsage:         5,
			TargetSuccessRate:      0.95,
			TargetExecutionTimeSec: 1.0,
			MinImprovement:         0.01,
			MinMemoryMB:            1024,
			MinDiskMB:              2048,
		},
		Security: security.DefaultSecurityConfig(),
		Models: ModelsConfig{
			Routing: ModelRouting{
				Simple:   "local/small",
				Complex:  "anthropic/claude-sonnet",
				Critical: "anthropic/claude-opus",
			},
		},
		Modules: ModulesConfig{
			Dirs:         []string{"./modules"},
			WatchEnabled: false,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
		},
	}
}

// ErrUnknownConfigKey is returned by Load when the YAML file declares a key
// this Config (including its forward-compatible evolution knobs) does not
// recognise, rather than silently ignoring it.
var ErrUnknownConfigKey = errors.New("config: unknown configuration key")

// Load reads config from a YAML file at path, merging over DefaultConfig.
// Unknown keys anywhere in the document (most commonly a typo'd or
// no-longer-supported key under evolution:) are rejected rather than
// silently ignored.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", ErrUnknownConfigKey, err)
	}

	if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return cfg, nil
}

// Save writes config to a YAML file at path.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o640)
}
