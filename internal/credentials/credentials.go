// Package credentials maps provider names to API keys held in an external
// secret store. The store is read-only from the engine's point of view; a
// missing key is a normal condition the caller turns into a "not configured"
// error, never a crash.
package credentials

import (
	"os"
	"strings"
)

// LocalSentinel is returned for providers that do not authenticate (local
// OpenAI-compatible servers still require a non-empty key field on the wire).
const LocalSentinel = "local"

// Store is the read surface of the secret store.
type Store interface {
	// Get returns the secret under key, or false when absent.
	Get(key string) (string, bool)
}

// Resolver resolves provider names to API keys with three alias rules:
// local providers get a sentinel, aggregator-routed providers reuse the
// aggregator's key, and google accepts a legacy fallback key name.
type Resolver struct {
	store Store

	// aggregators maps provider name -> aggregator provider name.
	aggregators map[string]string

	// overrides maps provider name -> key configured directly (config file
	// wins over the secret store).
	overrides map[string]string
}

// NewResolver builds a resolver over the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		store:       store,
		aggregators: make(map[string]string),
		overrides:   make(map[string]string),
	}
}

// SetAggregator routes provider's credential lookup through aggregator.
func (r *Resolver) SetAggregator(provider, aggregator string) {
	r.aggregators[provider] = aggregator
}

// SetOverride pins a key for provider, bypassing the store.
func (r *Resolver) SetOverride(provider, key string) {
	if key != "" {
		r.overrides[provider] = key
	}
}

// Resolve returns the API key for provider, or false when the provider is
// not configured.
func (r *Resolver) Resolve(provider string) (string, bool) {
	provider = strings.ToLower(provider)

	if key, ok := r.overrides[provider]; ok {
		return key, true
	}
	if isLocal(provider) {
		return LocalSentinel, true
	}
	if agg, ok := r.aggregators[provider]; ok && agg != provider {
		return r.Resolve(agg)
	}

	if key, ok := r.store.Get(provider + "_api_key"); ok && key != "" {
		return key, true
	}
	// Google keys are commonly stored under the product name.
	if provider == "google" {
		if key, ok := r.store.Get("gemini_api_key"); ok && key != "" {
			return key, true
		}
	}
	return "", false
}

// Configured reports whether a key can be resolved for provider.
func (r *Resolver) Configured(provider string) bool {
	_, ok := r.Resolve(provider)
	return ok
}

func isLocal(provider string) bool {
	return provider == "local" || provider == "ollama"
}

// EnvStore reads secrets from the process environment: the key
// "anthropic_api_key" maps to ANTHROPIC_API_KEY.
type EnvStore struct{}

// Get implements Store.
func (EnvStore) Get(key string) (string, bool) {
	v := os.Getenv(strings.ToUpper(key))
	return v, v != ""
}

// MapStore is a fixed in-memory store, used in tests and for config-file
// supplied keys.
type MapStore map[string]string

// Get implements Store.
func (m MapStore) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok && v != ""
}
