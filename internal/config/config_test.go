package config

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.DataDir != "./data" {
		t.Errorf("expected dataDir ./data, got %s", cfg.Server.DataDir)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("expected logLevel info, got %s", cfg.Server.LogLevel)
	}
	if !cfg.Shell.UseNLP {
		t.Error("expected shell.use_nlp true by default")
	}
	if !cfg.Evolution.Enabled {
		t.Error("expected evolution enabled by default")
	}
	if cfg.Evolution.EvolutionInterval != 50 {
		t.Errorf("expected evolution_interval 50, got %d", cfg.Evolution.EvolutionInterval)
	}
	if cfg.Evolution.LearningRate != 0.1 {
		t.Errorf("expected learning_rate 0.1, got %f", cfg.Evolution.LearningRate)
	}
	if cfg.Evolution.MinMemoryMB != 1024 {
		t.Errorf("expected min_memory_mb 1024, got %d", cfg.Evolution.MinMemoryMB)
	}
	if cfg.Models.Routing.Simple != "local/small" {
		t.Errorf("expected routing.simple local/small, got %s", cfg.Models.Routing.Simple)
	}
	if cfg.Security.Autonomy.Level != "supervised" {
		t.Errorf("expected security.autonomy.level supervised, got %s", cfg.Security.Autonomy.Level)
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	testCfg := &Config{
		Server: ServerConfig{
			DataDir:      filepath.Join(tmpDir, "test-data"),
			LogLevel:     "debug",
			SQLiteMirror: true,
		},
		Shell: ShellConfig{UseNLP: false},
		Models: ModelsConfig{
			Providers: map[string]ProviderConfig{
				"anthropic": {
					BaseURL: "https://api.anthropic.com",
					APIKey:  "test-key",
					Models: []Model{
						{
							ID:            "claude-sonnet-4",
							Name:          "Claude Sonnet 4",
							ContextWindow: 200000,
							CostInput:     3.0,
							CostOutput:    15.0,
							Capabilities:  []string{"reasoning", "code"},
						},
					},
				},
			},
			Routing: ModelRouting{
				Simple:   "ollama/llama3.2",
				Complex:  "anthropic/claude-sonnet-4",
				Critical: "anthropic/claude-opus-4",
			},
		},
		Evolution: EvolutionConfig{
			Enabled:           true,
			EvolutionInterval: 25,
			LearningRate:      0.3,
		},
		Modules: ModulesConfig{Dirs: []string{"./modules", "./extra"}},
	}

	data, err := yaml.Marshal(testCfg)
	if err != nil {
		t.Fatalf("failed to marshal test config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0640); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.Server.LogLevel != "debug" {
		t.Errorf("expected logLevel debug, got %s", loaded.Server.LogLevel)
	}
	if loaded.Shell.UseNLP {
		t.Error("expected shell.use_nlp false")
	}
	if loaded.Models.Routing.Simple != "ollama/llama3.2" {
		t.Errorf("expected routing.simple ollama/llama3.2, got %s", loaded.Models.Routing.Simple)
	}
	if len(loaded.Models.Providers) != 1 {
		t.Errorf("expected 1 provider, got %d", len(loaded.Models.Providers))
	}
	anthropic := loaded.Models.Providers["anthropic"]
	if anthropic.APIKey != "test-key" {
		t.Errorf("expected API key test-key, got %s", anthropic.APIKey)
	}
	if len(loaded.Modules.Dirs) != 2 {
		t.Errorf("expected 2 module dirs, got %d", len(loaded.Modules.Dirs))
	}

	if _, err := os.Stat(loaded.Server.DataDir); os.IsNotExist(err) {
		t.Error("expected data directory to be created")
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	tmpDir := t.TempDir()
	nonExistent := filepath.Join(tmpDir, "nonexistent.yaml")

	if _, err := Load(nonExistent); err == nil {
		t.Error("expected error when loading nonexistent file, got nil")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	if err := os.WriteFile(configPath, []byte("not: [valid: yaml"), 0640); err != nil {
		t.Fatalf("failed to write invalid yaml: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error when loading invalid yaml, got nil")
	}
}

func TestSaveConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.LogLevel = "debug"

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}

	var loaded Config
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("failed to unmarshal saved config: %v", err)
	}

	if loaded.Server.LogLevel != "debug" {
		t.Errorf("expected logLevel debug, got %s", loaded.Server.LogLevel)
	}
}

func TestSaveConfigCreatesParentDirs(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "deep", "nested", "dirs", "config.yaml")

	cfg := DefaultConfig()
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("failed to save config to nested path: %v", err)
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created in nested directory")
	}
}

func TestLoadConfigMergesWithDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "partial.yaml")

	partial := map[string]interface{}{
		"server": map[string]interface{}{
			"log_level": "warn",
		},
	}
	data, err := yaml.Marshal(partial)
	if err != nil {
		t.Fatalf("failed to marshal partial config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0640); err != nil {
		t.Fatalf("failed to write partial config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load partial config: %v", err)
	}

	if loaded.Server.LogLevel != "warn" {
		t.Errorf("expected log_level warn, got %s", loaded.Server.LogLevel)
	}
	if loaded.Server.DataDir != "./data" {
		t.Errorf("expected default dataDir ./data, got %s", loaded.Server.DataDir)
	}
	if loaded.Evolution.EvolutionInterval != 50 {
		t.Errorf("expected default evolution_interval 50, got %d", loaded.Evolution.EvolutionInterval)
	}
}

func TestSaveConfigReadOnlyDir(t *testing.T) {
	tmpDir := t.TempDir()
	os.Chmod(tmpDir, 0444)
	defer os.Chmod(tmpDir, 0755)

	configPath := filepath.Join(tmpDir, "config.yaml")
	cfg := DefaultConfig()

	if err := cfg.Save(configPath); err == nil {
		t.Error("expected error when saving to read-only directory")
	}
}

func TestLoad_DataDirCreation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	cfg := DefaultConfig()
	dataDir := filepath.Join(tmpDir, "new-data-dir")
	cfg.Server.DataDir = dataDir

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loadedCfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loadedCfg.Server.DataDir != dataDir {
		t.Errorf("expected dataDir %s, got %s", dataDir, loadedCfg.Server.DataDir)
	}
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		t.Error("expected data dir to be created")
	}
}

func TestSave_WriteFileError(t *testing.T) {
	cfg := DefaultConfig()

	tmpDir := t.TempDir()
	dirPath := filepath.Join(tmpDir, "testdir")
	os.Mkdir(dirPath, 0755)

	if err := cfg.Save(dirPath); err == nil {
		t.Error("expected error when writing to directory path")
	}
}

func TestLoad_MkdirAllError(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.yaml")

	cfg := DefaultConfig()
	filePath := filepath.Join(tmpDir, "blockingfile")
	os.WriteFile(filePath, []byte("test"), 0644)
	cfg.Server.DataDir = filepath.Join(filePath, "subdir")

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected error when data dir can't be created")
	}
}
