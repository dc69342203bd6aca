package config

import "time"

// ProvidersConfig maps provider names to their upstream connection settings.
// Loaded from providers.yaml and hot-reloaded alongside the model catalog.
type ProvidersConfig struct {
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// ProviderConfig describes one upstream inference endpoint.
type ProviderConfig struct {
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// EmbeddingModel pins the embedding deployment served by this provider.
	// Empty means the service-wide default applies.
	EmbeddingModel string            `yaml:"embedding_model,omitempty"`
	MaxConcurrent  int               `yaml:"max_concurrent"`
	Timeout        time.Duration     `yaml:"timeout"`
	Headers        map[string]string `yaml:"headers,omitempty"`
}

// EmbeddingModelFor resolves the embedding deployment for the named provider,
// preferring the provider's pinned model over the fallback.
func (c *ProvidersConfig) EmbeddingModelFor(provider, fallback string) string {
	if c != nil {
		if pc, ok := c.Providers[provider]; ok && pc.EmbeddingModel != "" {
			return pc.EmbeddingModel
		}
	}
	return fallback
}
