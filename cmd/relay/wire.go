package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/agent/providers"
	"github.com/haasonsaas/relay/internal/cache"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/costs"
	"github.com/haasonsaas/relay/internal/credentials"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/internal/sessions"
)

// runtime bundles everything a command needs after wiring.
type runtime struct {
	cfg        *config.Config
	logger     *observability.Logger
	registry   *prometheus.Registry
	dispatcher *agent.Dispatcher
	engine     *agent.Engine
}

// wire builds the full engine stack from a config file. Providers without a
// resolvable credential are skipped, not fatal: the dispatcher reports them
// as unconfigured and routing around them is a runtime concern.
func wire(ctx context.Context, path string) (*runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)

	creds := credentials.NewResolver(credentials.EnvStore{})
	for name, pc := range cfg.LLM.Providers {
		creds.SetOverride(name, pc.APIKey)
		if pc.Aggregator != "" {
			creds.SetAggregator(name, pc.Aggregator)
		}
	}

	pricing := make(map[string]costs.Pricing, len(cfg.Costs.Pricing))
	for model, p := range cfg.Costs.Pricing {
		pricing[model] = costs.Pricing{
			Input:      p.Input,
			Output:     p.Output,
			CacheWrite: p.CacheWrite,
			CacheRead:  p.CacheRead,
		}
	}
	meter := costs.NewMeter(costs.NewTable(pricing), cfg.Costs.CapUSD)

	dispatcher := agent.NewDispatcher(agent.DispatcherConfig{
		Routing:     cfg.LLM,
		Credentials: creds,
		Cache:       cache.New(cfg.Cache.TTL, cfg.Cache.LastN, cfg.Cache.MaxEntries),
		Meter:       meter,
		Retry: retry.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		Metrics: metrics,
		Logger:  logger,
	})

	for name, pc := range cfg.LLM.Providers {
		provider, err := buildProvider(ctx, name, pc, creds, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		if provider == nil {
			logger.Info(ctx, "provider skipped, no credentials", "provider", name)
			continue
		}
		dispatcher.Register(provider)
	}

	registry := agent.NewRegistry()
	executor := agent.NewExecutor(registry, agent.ExecutorConfig{
		Concurrency: cfg.ToolLoop.FanoutMax,
		ToolTimeout: cfg.ToolLoop.ToolTimeout,
	}, metrics, logger)

	loop := agent.NewLoop(dispatcher, executor, agent.LoopConfig{
		MaxIterations:       cfg.ToolLoop.MaxIterations,
		RepeatThreshold:     cfg.ToolLoop.RepeatThreshold,
		RepeatWindow:        cfg.ToolLoop.RepeatWindow,
		Window:              cfg.Overflow.Window,
		KeepPairs:           cfg.Overflow.StageCPairs,
		CompactionThreshold: cfg.Overflow.CompactionThreshold,
	}, metrics, logger)

	classifier := agent.NewClassifier(agent.ClassifierConfig{
		Budgets:         cfg.Intent.MaxTokens,
		DetailMaxTokens: cfg.Intent.DetailMaxTokens,
	})

	engine := agent.NewEngine(dispatcher, loop, registry, classifier,
		sessions.NewMemoryStore(), agent.EngineConfig{}, metrics, logger)

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		registry:   promReg,
		dispatcher: dispatcher,
		engine:     engine,
	}, nil
}

// buildProvider constructs the adapter for one provider entry. A nil, nil
// return means the provider has no credentials and is skipped.
func buildProvider(ctx context.Context, name string, pc config.ProviderConfig, creds *credentials.Resolver, logger *observability.Logger) (agent.LLMProvider, error) {
	key, ok := creds.Resolve(name)
	if !ok {
		return nil, nil
	}

	switch strings.ToLower(name) {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       key,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Logger:       logger,
		})
	case "google", "gemini":
		return providers.NewGoogleProvider(providers.GoogleConfig{
			APIKey:       key,
			DefaultModel: pc.DefaultModel,
			Logger:       logger,
		})
	case "local", "ollama":
		return providers.NewLocalProvider(providers.LocalConfig{
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Logger:       logger,
		})
	default:
		// OpenAI itself plus every OpenAI-compatible endpoint (xAI,
		// OpenRouter, ...) shares one adapter, differing only in BaseURL.
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			Name:         name,
			APIKey:       key,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
			Logger:       logger,
		})
	}
}
