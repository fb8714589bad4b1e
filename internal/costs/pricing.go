// Package costs converts token usage to USD and enforces a process-wide
// spending cap.
package costs

import (
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// Pricing is the USD-per-million-token rate card for one model. CacheWrite
// and CacheRead are zero for providers that do not price prompt caching.
type Pricing struct {
	Input      float64
	Output     float64
	CacheWrite float64
	CacheRead  float64
}

// defaultPricing covers the models the stock configuration routes to. Keys
// are canonical model ids without a provider prefix; lookup falls back to
// the longest matching prefix so dated snapshots (claude-sonnet-4-5-20250929)
// resolve to their family rate.
var defaultPricing = map[string]Pricing{
	"claude-opus-4-1":   {Input: 15.00, Output: 75.00, CacheWrite: 18.75, CacheRead: 1.50},
	"claude-sonnet-4-5": {Input: 3.00, Output: 15.00, CacheWrite: 3.75, CacheRead: 0.30},
	"claude-haiku-4-5":  {Input: 1.00, Output: 5.00, CacheWrite: 1.25, CacheRead: 0.10},

	"gpt-5":      {Input: 1.25, Output: 10.00, CacheRead: 0.125},
	"gpt-5-mini": {Input: 0.25, Output: 2.00, CacheRead: 0.025},
	"gpt-4o":     {Input: 2.50, Output: 10.00, CacheRead: 1.25},
	"o3":         {Input: 2.00, Output: 8.00, CacheRead: 0.50},
	"o4-mini":    {Input: 1.10, Output: 4.40, CacheRead: 0.275},

	"gemini-2.5-pro":   {Input: 1.25, Output: 10.00, CacheRead: 0.31},
	"gemini-2.5-flash": {Input: 0.30, Output: 2.50, CacheRead: 0.075},

	"grok-4": {Input: 3.00, Output: 15.00, CacheRead: 0.75},
}

// Table resolves models to rates. A nil *Table is usable and prices
// everything at zero.
type Table struct {
	rates map[string]Pricing
}

// NewTable merges overrides (from config) over the built-in rates.
func NewTable(overrides map[string]Pricing) *Table {
	rates := make(map[string]Pricing, len(defaultPricing)+len(overrides))
	for k, v := range defaultPricing {
		rates[k] = v
	}
	for k, v := range overrides {
		rates[canonicalModel(k)] = v
	}
	return &Table{rates: rates}
}

// Lookup returns the rate card for model, or false when the model is
// unknown (local models, for instance, have no metered price).
func (t *Table) Lookup(model string) (Pricing, bool) {
	if t == nil {
		return Pricing{}, false
	}
	model = canonicalModel(model)
	if p, ok := t.rates[model]; ok {
		return p, true
	}
	// Longest-prefix fallback for dated or suffixed variants.
	var best string
	for k := range t.rates {
		if strings.HasPrefix(model, k) && len(k) > len(best) {
			best = k
		}
	}
	if best != "" {
		return t.rates[best], true
	}
	return Pricing{}, false
}

// Cost computes the USD cost of one call from its usage record. Cache-read
// tokens bill at the discounted rate, not the input rate.
func (t *Table) Cost(model string, usage models.Usage) float64 {
	p, ok := t.Lookup(model)
	if !ok {
		return 0
	}
	const million = 1_000_000
	return float64(usage.InputTokens)*p.Input/million +
		float64(usage.OutputTokens)*p.Output/million +
		float64(usage.CacheCreationTokens)*p.CacheWrite/million +
		float64(usage.CacheReadTokens)*p.CacheRead/million
}

// canonicalModel strips a provider prefix ("anthropic/claude-...") and
// lowercases the id.
func canonicalModel(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if i := strings.IndexByte(model, '/'); i >= 0 {
		model = model[i+1:]
	}
	return model
}
