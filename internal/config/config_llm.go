package config

import "time"

// LLMConfig selects providers and the routing between them.
type LLMConfig struct {
	// DefaultProvider answers calls whose model is not provider-prefixed.
	DefaultProvider string `yaml:"default_provider"`

	Providers map[string]ProviderConfig `yaml:"providers"`

	// FailoverOrder lists providers to try, in order, when the primary
	// fails terminally. Only providers with resolvable credentials are
	// considered; at most one failover hop is taken per call.
	FailoverOrder []string `yaml:"failover_order"`

	// Timeout bounds a non-streaming provider call.
	Timeout time.Duration `yaml:"timeout"`

	// StreamTimeout bounds a streaming call end to end.
	StreamTimeout time.Duration `yaml:"stream_timeout"`
}

// ProviderConfig configures one provider entry.
type ProviderConfig struct {
	// APIKey, when set, overrides the credential resolver for this
	// provider. Normally left empty so keys stay in the secret store.
	APIKey string `yaml:"api_key"`

	DefaultModel string `yaml:"default_model"`

	// FallbackModel is used when this provider is a failover target.
	FallbackModel string `yaml:"fallback_model"`

	// BaseURL points OpenAI-compatible providers at an alternate endpoint
	// (xAI, OpenRouter, a local Ollama server).
	BaseURL string `yaml:"base_url"`

	// Aggregator marks a provider as routed through a named aggregator;
	// credential resolution then reuses the aggregator's key.
	Aggregator string `yaml:"aggregator"`
}
