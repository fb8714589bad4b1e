package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the dispatch engine. Every field has
// a working default; a config file only needs to name what it overrides.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Cache    CacheConfig    `yaml:"cache"`
	Retry    RetryConfig    `yaml:"retry"`
	Costs    CostsConfig    `yaml:"costs"`
	ToolLoop ToolLoopConfig `yaml:"tool_loop"`
	Overflow OverflowConfig `yaml:"overflow"`
	Intent   IntentConfig   `yaml:"intent"`
	Log      LogConfig      `yaml:"log"`
}

// CacheConfig governs the response cache for tool-free completions.
type CacheConfig struct {
	// TTL is how long a cached response stays valid.
	TTL time.Duration `yaml:"ttl"`

	// LastN is how many trailing user/assistant messages feed the
	// cache fingerprint.
	LastN int `yaml:"last_n"`

	// MaxEntries bounds the cache size; least recently used entries are
	// evicted past this point.
	MaxEntries int `yaml:"max_entries"`
}

// RetryConfig governs per-call retry behavior.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CostsConfig governs the process-wide cost meter.
type CostsConfig struct {
	// CapUSD is the hard ceiling on cumulative cost. Zero disables the cap.
	CapUSD float64 `yaml:"cap_usd"`

	// Pricing overrides or extends the built-in per-model pricing table.
	// Rates are USD per million tokens.
	Pricing map[string]ModelPricing `yaml:"pricing"`
}

// ModelPricing is the USD-per-million-token rate card for one model.
type ModelPricing struct {
	Input      float64 `yaml:"input"`
	Output     float64 `yaml:"output"`
	CacheWrite float64 `yaml:"cache_write"`
	CacheRead  float64 `yaml:"cache_read"`
}

// ToolLoopConfig governs the agentic iteration loop.
type ToolLoopConfig struct {
	MaxIterations int `yaml:"max_iterations"`

	// FanoutMax bounds how many tool executions run concurrently within
	// one iteration.
	FanoutMax int `yaml:"fanout_max"`

	// RepeatThreshold and RepeatWindow drive loop detection: the loop
	// terminates when any (tool, args) signature occurs RepeatThreshold
	// times within the last RepeatWindow signatures.
	RepeatThreshold int `yaml:"repeat_threshold"`
	RepeatWindow    int `yaml:"repeat_window"`

	// ToolTimeout bounds a single tool execution.
	ToolTimeout time.Duration `yaml:"tool_timeout"`
}

// OverflowConfig governs staged context-window recovery.
type OverflowConfig struct {
	// Window is the token budget recovery prunes toward.
	Window int `yaml:"window"`

	// StageCPairs is how many trailing user/assistant pairs survive the
	// critical stage, and the floor stage B never prunes into.
	StageCPairs int `yaml:"stage_c_pairs"`

	// CompactionThreshold triggers proactive recovery before dispatch when
	// the estimated history size crosses this fraction of the window.
	CompactionThreshold float64 `yaml:"compaction_threshold"`
}

// IntentConfig governs the deterministic intent classifier.
type IntentConfig struct {
	// MaxTokens maps intent name to output token budget.
	MaxTokens map[string]int `yaml:"max_tokens"`

	// DetailMaxTokens replaces the budget when a detail phrase is present.
	DetailMaxTokens int `yaml:"detail_max_tokens"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			Timeout:         120 * time.Second,
			StreamTimeout:   180 * time.Second,
			FailoverOrder:   []string{"anthropic", "openai", "google"},
			Providers: map[string]ProviderConfig{
				"anthropic": {DefaultModel: "claude-sonnet-4-5", FallbackModel: "claude-haiku-4-5"},
				"openai":    {DefaultModel: "gpt-5", FallbackModel: "gpt-5-mini"},
				"google":    {DefaultModel: "gemini-2.5-pro", FallbackModel: "gemini-2.5-flash"},
				"local":     {DefaultModel: "llama3.2", BaseURL: "http://localhost:11434/v1"},
			},
		},
		Cache: CacheConfig{
			TTL:        5 * time.Minute,
			LastN:      6,
			MaxEntries: 1024,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    30 * time.Second,
		},
		Costs: CostsConfig{
			CapUSD: 0,
		},
		ToolLoop: ToolLoopConfig{
			MaxIterations:   12,
			FanoutMax:       4,
			RepeatThreshold: 3,
			RepeatWindow:    6,
			ToolTimeout:     60 * time.Second,
		},
		Overflow: OverflowConfig{
			Window:              160000,
			StageCPairs:         8,
			CompactionThreshold: 0.9,
		},
		Intent: IntentConfig{
			MaxTokens: map[string]int{
				"chat":     1024,
				"memory":   1024,
				"creative": 2048,
				"code":     4096,
				"search":   2048,
				"analysis": 4096,
				"media":    2048,
			},
			DetailMaxTokens: 4096,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file over the defaults. Environment variables in
// the file are expanded before parsing so keys can be referenced as
// ${ANTHROPIC_API_KEY} without landing in the file itself.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot operate under.
func (c *Config) Validate() error {
	if c.LLM.DefaultProvider == "" {
		return fmt.Errorf("llm.default_provider is required")
	}
	if _, ok := c.LLM.Providers[c.LLM.DefaultProvider]; !ok {
		return fmt.Errorf("llm.default_provider %q has no provider entry", c.LLM.DefaultProvider)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.ToolLoop.MaxIterations < 1 {
		return fmt.Errorf("tool_loop.max_iterations must be at least 1")
	}
	if c.ToolLoop.RepeatWindow < c.ToolLoop.RepeatThreshold {
		return fmt.Errorf("tool_loop.repeat_window must be >= repeat_threshold")
	}
	if c.Overflow.StageCPairs < 1 {
		return fmt.Errorf("overflow.stage_c_pairs must be at least 1")
	}
	return nil
}
