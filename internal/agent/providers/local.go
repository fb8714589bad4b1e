package providers

import (
	"net/http"
	"time"

	"github.com/haasonsaas/relay/internal/credentials"
	"github.com/haasonsaas/relay/internal/observability"
)

const defaultLocalBaseURL = "http://localhost:11434/v1"

// LocalConfig configures NewLocalProvider.
type LocalConfig struct {
	// BaseURL points at the local OpenAI-compatible server. Empty means
	// the Ollama default.
	BaseURL      string
	DefaultModel string
	HTTPClient   *http.Client
	Logger       *observability.Logger
}

// NewLocalProvider builds a provider for a local OpenAI-compatible server
// such as Ollama. The wire protocol is identical to OpenAI's, so the
// adapter is shared; the API key is a sentinel since local servers ignore
// auth. Local calls run longer than hosted ones, so the default client
// timeout is generous.
func NewLocalProvider(cfg LocalConfig) (*OpenAIProvider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultLocalBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return NewOpenAIProvider(OpenAIConfig{
		Name:         "local",
		APIKey:       credentials.LocalSentinel,
		BaseURL:      cfg.BaseURL,
		DefaultModel: cfg.DefaultModel,
		HTTPClient:   cfg.HTTPClient,
		Logger:       cfg.Logger,
	})
}
