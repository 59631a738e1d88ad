package config

// ModelsConfig configures the TextGenerator router (§6 "models.providers",
// "models.routing.{simple,complex,critical}").
type ModelsConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
	Routing   ModelRouting              `yaml:"routing"`
}

// ProviderConfig describes one OpenAI-compatible chat-completion endpoint.
type ProviderConfig struct {
	BaseURL string  `yaml:"base_url"`
	APIKey  string  `yaml:"api_key"`
	Models  []Model `yaml:"models"`
}

// Model describes one model a provider serves.
type Model struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	ContextWindow int      `yaml:"context_window"`
	CostInput     float64  `yaml:"cost_input"`  // per million tokens
	CostOutput    float64  `yaml:"cost_output"` // per million tokens
	Capabilities  []string `yaml:"capabilities"`
}

// ModelRouting selects a model by task complexity class.
type ModelRouting struct {
	Simple   string `yaml:"simple"`
	Complex  string `yaml:"complex"`
	Critical string `yaml:"critical"`
}
