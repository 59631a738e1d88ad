// Package loader parses module manifests (module.toml or module.yaml),
// runs the security scan over their declared imports, and instantiates
// the resulting module.Module: either from the native builtin factory
// registry or by wrapping an external subprocess. Entry scripts are not
// scanned.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ellmago/ellma/internal/module"
)

// EntryConfig names how the loader instantiates a module: either a
// builtin factory key ("builtin:<kind>") or a subprocess command.
// WorkDir, if set, is the directory the subprocess runs in and is
// validated against the SecurityPolicy's workspace sandbox (§4.10)
// before every invocation.
type EntryConfig struct {
	Command string   `toml:"command" yaml:"command"`
	Args    []string `toml:"args" yaml:"args"`
	WorkDir string   `toml:"work_dir" yaml:"work_dir"`
}

// CapabilityManifest mirrors module.Capability in the declarative
// manifest format.
type CapabilityManifest struct {
	Name        string   `toml:"name" yaml:"name"`
	Description string   `toml:"description" yaml:"description"`
	InputKinds  []string `toml:"input_kinds" yaml:"input_kinds"`
	OutputKind  string   `toml:"output_kind" yaml:"output_kind"`
	AsyncOK     bool     `toml:"async_ok" yaml:"async_ok"`
}

// SecurityManifest declares the imports a module's source uses and
// whether it may invoke external processes.
type SecurityManifest struct {
	DeclaredImports []string `toml:"declared_imports" yaml:"declared_imports"`
	AllowExec       bool     `toml:"allow_exec" yaml:"allow_exec"`
}

// ModuleManifest is the parsed form of a module.toml/module.yaml file.
type ModuleManifest struct {
	Name         string               `toml:"name" yaml:"name"`
	Version      string               `toml:"version" yaml:"version"`
	Priority     string               `toml:"priority" yaml:"priority"`
	Description  string               `toml:"description" yaml:"description"`
	Dependencies []string             `toml:"dependencies" yaml:"dependencies"`
	Entry        EntryConfig          `toml:"entry" yaml:"entry"`
	Capabilities []CapabilityManifest `toml:"capabilities" yaml:"capabilities"`
	Security     SecurityManifest     `toml:"security" yaml:"security"`
}

// priorityOf maps the manifest's textual priority onto module.Priority,
// defaulting to Normal for an empty or unrecognised value.
func (mm ModuleManifest) priorityOf() module.Priority {
	switch strings.ToLower(mm.Priority) {
	case "critical":
		return module.PriorityCritical
	case "high":
		return module.PriorityHigh
	case "low":
		return module.PriorityLow
	case "background":
		return module.PriorityBackground
	default:
		return module.PriorityNormal
	}
}

func (mm ModuleManifest) capabilities() []module.Capability {
	caps := make([]module.Capability, 0, len(mm.Capabilities))
	for _, c := range mm.Capabilities {
		caps = append(caps, module.Capability{
			Name:        c.Name,
			Description: c.Description,
			InputKinds:  c.InputKinds,
			OutputKind:  c.OutputKind,
			AsyncOK:     c.AsyncOK,
		})
	}
	return caps
}

// parseManifestFile reads and parses a module.toml or module.yaml file,
// chosen by extension.
func parseManifestFile(path string) (*ModuleManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return parseManifestBytes(path, data)
}

func parseManifestBytes(path string, data []byte) (*ModuleManifest, error) {
	var mm ModuleManifest
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &mm); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", path, err)
		}
	default:
		if _, err := toml.Decode(string(data), &mm); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", path, err)
		}
	}
	if mm.Name == "" {
		return nil, fmt.Errorf("parse manifest %s: %w: missing name", path, module.ErrValidationFailed)
	}
	if len(mm.Capabilities) == 0 {
		return nil, fmt.Errorf("parse manifest %s: %w: no capabilities declared", path, module.ErrValidationFailed)
	}
	return &mm, nil
}

// parseManifestTOML parses an in-memory manifest string, as produced by
// the evolution engine's Generate phase for a not-yet-written-to-disk
// Solution.
func parseManifestTOML(manifestTOML string) (*ModuleManifest, error) {
	var mm ModuleManifest
	if _, err := toml.Decode(manifestTOML, &mm); err != nil {
		return nil, fmt.Errorf("parse generated manifest: %w", err)
	}
	if mm.Name == "" {
		return nil, fmt.Errorf("parse generated manifest: %w: missing name", module.ErrValidationFailed)
	}
	if len(mm.Capabilities) == 0 {
		return nil, fmt.Errorf("parse generated manifest: %w: no capabilities declared", module.ErrValidationFailed)
	}
	return &mm, nil
}
