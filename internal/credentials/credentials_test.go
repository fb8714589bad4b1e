package credentials

import "testing"

func TestResolve(t *testing.T) {
	store := MapStore{
		"anthropic_api_key":  "sk-ant-aaa",
		"openrouter_api_key": "sk-or-bbb",
		"gemini_api_key":     "AIza-ccc",
	}
	r := NewResolver(store)
	r.SetAggregator("xai", "openrouter")

	tests := []struct {
		provider string
		want     string
		wantOK   bool
	}{
		{"anthropic", "sk-ant-aaa", true},
		{"Anthropic", "sk-ant-aaa", true},
		{"local", LocalSentinel, true},
		{"ollama", LocalSentinel, true},
		{"xai", "sk-or-bbb", true},
		{"google", "AIza-ccc", true},
		{"mistral", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			got, ok := r.Resolve(tt.provider)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Resolve(%q) = (%q, %v), want (%q, %v)",
					tt.provider, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestResolveGoogleDirectKeyWins(t *testing.T) {
	store := MapStore{
		"google_api_key": "direct",
		"gemini_api_key": "fallback",
	}
	r := NewResolver(store)
	if got, _ := r.Resolve("google"); got != "direct" {
		t.Errorf("Resolve(google) = %q, want the direct key", got)
	}
}

func TestResolveOverride(t *testing.T) {
	r := NewResolver(MapStore{"openai_api_key": "from-store"})
	r.SetOverride("openai", "from-config")
	if got, _ := r.Resolve("openai"); got != "from-config" {
		t.Errorf("Resolve(openai) = %q, want config override", got)
	}

	r.SetOverride("openai", "")
	if got, _ := r.Resolve("openai"); got != "from-config" {
		t.Errorf("empty override should be ignored, got %q", got)
	}
}

func TestConfigured(t *testing.T) {
	r := NewResolver(MapStore{})
	if r.Configured("anthropic") {
		t.Error("Configured(anthropic) = true with empty store")
	}
	if !r.Configured("local") {
		t.Error("Configured(local) = false, want sentinel")
	}
}
