package security

// SecurityConfig represents the security section of configuration. It is
// embedded both in the top-level YAML config (§6 "security.*") and in a
// per-module TOML manifest's own [security] table (§4.4 step 2), hence the
// dual struct tags.
type SecurityConfig struct {
	Autonomy AutonomyConfig `yaml:"autonomy" toml:"autonomy"`
	Sandbox  SandboxConfig  `yaml:"sandbox" toml:"sandbox"`
}

// AutonomyConfig controls autonomy level and access restrictions.
type AutonomyConfig struct {
	Level           string   `yaml:"level" toml:"level"` // "readonly", "supervised", "full"
	WorkspaceOnly   bool     `yaml:"workspace_only" toml:"workspace_only"`
	AllowedCommands []string `yaml:"allowed_commands" toml:"allowed_commands"`
	ForbiddenPaths  []string `yaml:"forbidden_paths" toml:"forbidden_paths"`
	AllowedRoots    []string `yaml:"allowed_roots" toml:"allowed_roots"`
}

// SandboxConfig controls workspace sandboxing.
type SandboxConfig struct {
	WorkspacePath string `yaml:"workspace_path" toml:"workspace_path"`
}

// DefaultSecurityConfig returns a reasonable default configuration.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		Autonomy: AutonomyConfig{
			Level:         "supervised",
			WorkspaceOnly: true,
			AllowedCommands: []string{
				"git", "npm", "cargo", "ls", "cat", "grep", "find", "head", "tail", "wc",
			},
			ForbiddenPaths: []string{
				"/etc", "/root", "~/.ssh", "~/.gnupg", "~/.aws",
			},
		},
		Sandbox: SandboxConfig{
			WorkspacePath: ".",
		},
	}
}
