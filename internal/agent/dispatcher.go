package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/agent/sanitize"
	"github.com/haasonsaas/relay/internal/cache"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/costs"
	"github.com/haasonsaas/relay/internal/credentials"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/retry"
)

// Dispatcher routes completion requests to provider adapters. It owns the
// cross-cutting call policy: response caching, the cost-cap gate, per-call
// sanitization, retry with backoff, and at most one failover hop to the
// next configured provider.
type Dispatcher struct {
	routing config.LLMConfig
	creds   *credentials.Resolver
	cache   *cache.ResponseCache
	meter   *costs.Meter
	retry   retry.Config
	metrics *observability.Metrics
	logger  *observability.Logger

	mu        sync.RWMutex
	providers map[string]LLMProvider
	health    map[string]*providerHealth
}

// providerHealth tracks a provider's recent outcomes for the health
// snapshot surface.
type providerHealth struct {
	ConsecutiveFailures int
	LastError           string
	LastErrorAt         time.Time
	LastSuccessAt       time.Time
}

// ProviderHealth is one provider's entry in the health snapshot.
type ProviderHealth struct {
	Configured          bool
	ConsecutiveFailures int
	LastError           string
	LastErrorAt         time.Time
	LastSuccessAt       time.Time
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Routing     config.LLMConfig
	Credentials *credentials.Resolver

	// Cache, when set, serves repeated tool-free calls. Nil disables
	// response caching.
	Cache *cache.ResponseCache

	// Meter, when set, gates every network call on the process cost cap.
	Meter *costs.Meter

	Retry   retry.Config
	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// NewDispatcher builds a Dispatcher. Providers register afterwards.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NopMetrics()
	}
	return &Dispatcher{
		routing:   cfg.Routing,
		creds:     cfg.Credentials,
		cache:     cfg.Cache,
		meter:     cfg.Meter,
		retry:     cfg.Retry,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		providers: make(map[string]LLMProvider),
		health:    make(map[string]*providerHealth),
	}
}

// Register adds a provider adapter under its own name.
func (d *Dispatcher) Register(p LLMProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.providers[p.Name()] = p
}

// Provider returns a registered adapter.
func (d *Dispatcher) Provider(name string) (LLMProvider, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.providers[name]
	return p, ok
}

// Health reports the dispatcher's view of every registered provider.
func (d *Dispatcher) Health() map[string]ProviderHealth {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]ProviderHealth, len(d.providers))
	for name := range d.providers {
		entry := ProviderHealth{Configured: d.configured(name)}
		if h, ok := d.health[name]; ok {
			entry.ConsecutiveFailures = h.ConsecutiveFailures
			entry.LastError = h.LastError
			entry.LastErrorAt = h.LastErrorAt
			entry.LastSuccessAt = h.LastSuccessAt
		}
		out[name] = entry
	}
	return out
}

// Dispatch resolves the route and performs a non-streaming completion.
//
// Tool-free calls consult the response cache first; a hit costs nothing and
// touches no provider. The cost cap is checked before any network I/O.
// Overflow errors are returned as-is, unretried: the caller owns history
// recovery and re-issues the call itself.
func (d *Dispatcher) Dispatch(ctx context.Context, req *CompletionRequest) (*CompletionResult, error) {
	provider, model, err := d.route(req.Model)
	if err != nil {
		return nil, err
	}

	cacheable := d.cache != nil && len(req.Tools) == 0
	qualified := QualifyModel(provider, model)
	if cacheable {
		if text, ok := d.cache.Get(qualified, req.Messages); ok {
			d.metrics.CacheCounter.WithLabelValues("hit").Inc()
			d.metrics.LLMRequestCounter.WithLabelValues(provider, model, "cached").Inc()
			return &CompletionResult{Content: text, Model: qualified, Cached: true}, nil
		}
		d.metrics.CacheCounter.WithLabelValues("miss").Inc()
	}

	if err := d.checkCap(provider, model); err != nil {
		return nil, err
	}

	result, err := d.attempt(ctx, provider, model, req)
	if err != nil {
		result, err = d.failover(ctx, provider, req, err)
	}
	if err != nil {
		d.countError(err)
		return nil, err
	}

	d.record(result)
	if cacheable && result.Content != "" && len(result.ToolCalls) == 0 {
		d.cache.Put(qualified, req.Messages, result.Content)
	}
	return result, nil
}

// DispatchStream is the streaming variant. Cache hits replay as one text
// chunk plus Done. Failover happens only if the stream fails before its
// first event; once content has flowed the error is forwarded as-is.
func (d *Dispatcher) DispatchStream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	provider, model, err := d.route(req.Model)
	if err != nil {
		return nil, err
	}

	qualified := QualifyModel(provider, model)
	if d.cache != nil && len(req.Tools) == 0 {
		if text, ok := d.cache.Get(qualified, req.Messages); ok {
			d.metrics.CacheCounter.WithLabelValues("hit").Inc()
			d.metrics.LLMRequestCounter.WithLabelValues(provider, model, "cached").Inc()
			chunks := make(chan *CompletionChunk, 2)
			chunks <- &CompletionChunk{Text: text}
			chunks <- &CompletionChunk{Done: true, Model: qualified}
			close(chunks)
			return chunks, nil
		}
		d.metrics.CacheCounter.WithLabelValues("miss").Inc()
	}

	if err := d.checkCap(provider, model); err != nil {
		return nil, err
	}

	// StreamTimeout bounds the stream end to end, not just initiation; the
	// derived context lives until the pump drains the last chunk.
	cancel := context.CancelFunc(func() {})
	if d.routing.StreamTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.routing.StreamTimeout)
	}

	upstream, err := d.openStream(ctx, provider, model, req)
	if err != nil {
		if target, altModel, ok := d.failoverTarget(provider, err); ok {
			d.noteFailover(ctx, provider, target, err)
			upstream, err = d.openStream(ctx, target, altModel, req)
			provider, model = target, altModel
		}
	}
	if err != nil {
		cancel()
		d.countError(err)
		return nil, err
	}

	out := make(chan *CompletionChunk)
	go func() {
		defer cancel()
		d.pumpStream(upstream, out, provider, model, req)
	}()
	return out, nil
}

// pumpStream forwards chunks, accumulating text so a completed tool-free
// stream can land in the response cache, and records usage at Done.
func (d *Dispatcher) pumpStream(in <-chan *CompletionChunk, out chan<- *CompletionChunk, provider, model string, req *CompletionRequest) {
	defer close(out)

	var text []byte
	for chunk := range in {
		if chunk.Error != nil {
			d.countError(chunk.Error)
			d.markFailure(provider, chunk.Error)
			out <- chunk
			return
		}
		if chunk.Text != "" {
			text = append(text, chunk.Text...)
		}
		if chunk.Done {
			d.markSuccess(provider)
			final := &CompletionResult{
				Content: string(text),
				Usage:   chunk.Usage,
				Model:   chunk.Model,
			}
			d.record(final)
			chunk.CostUSD = final.CostUSD
			if d.cache != nil && len(req.Tools) == 0 && len(text) > 0 {
				d.cache.Put(QualifyModel(provider, model), req.Messages, string(text))
			}
		}
		out <- chunk
	}
}

// route resolves the provider and bare model id for a possibly
// provider-prefixed model string.
func (d *Dispatcher) route(model string) (string, string, error) {
	provider, id := SplitModel(model)
	if provider == "" {
		provider = d.routing.DefaultProvider
	}
	if id == "" {
		id = d.routing.Providers[provider].DefaultModel
	}

	if _, ok := d.Provider(provider); !ok {
		return "", "", fmt.Errorf("provider %s: %w", provider, ErrNotConfigured)
	}
	if !d.configured(provider) {
		return "", "", fmt.Errorf("provider %s: %w", provider, ErrNotConfigured)
	}
	return provider, id, nil
}

func (d *Dispatcher) configured(provider string) bool {
	if d.creds == nil {
		return true
	}
	if d.routing.Providers[provider].APIKey != "" {
		return true
	}
	return d.creds.Configured(provider)
}

func (d *Dispatcher) checkCap(provider, model string) error {
	if d.meter == nil {
		return nil
	}
	if err := d.meter.Check(); err != nil {
		return NewProviderError(provider, model, err).WithKind(ErrKindCostCap)
	}
	return nil
}

// attempt runs one provider's completion under the retry policy. The
// history is re-sanitized for the specific provider before the call.
func (d *Dispatcher) attempt(ctx context.Context, provider, model string, req *CompletionRequest) (*CompletionResult, error) {
	p, ok := d.Provider(provider)
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", provider, ErrNotConfigured)
	}

	local := *req
	local.Model = model
	local.Messages = sanitize.ForProvider(provider, req.Messages)

	if d.routing.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.routing.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := retry.DoWithValue(ctx, d.retry, func(ctx context.Context) (*CompletionResult, error) {
		res, callErr := p.Complete(ctx, &local)
		if callErr != nil {
			pe := Classify(provider, model, callErr)
			if pe.Kind == ErrKindOverflow || !pe.Retryable() {
				return nil, retry.Permanent(pe)
			}
			return nil, pe
		}
		return res, nil
	})
	d.metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(time.Since(start).Seconds())

	if err != nil {
		d.markFailure(provider, err)
		return nil, err
	}
	d.markSuccess(provider)
	d.metrics.LLMRequestCounter.WithLabelValues(provider, model, "ok").Inc()
	return result, nil
}

// openStream starts one provider's stream under the retry policy.
func (d *Dispatcher) openStream(ctx context.Context, provider, model string, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p, ok := d.Provider(provider)
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", provider, ErrNotConfigured)
	}

	local := *req
	local.Model = model
	local.Messages = sanitize.ForProvider(provider, req.Messages)

	chunks, err := retry.DoWithValue(ctx, d.retry, func(ctx context.Context) (<-chan *CompletionChunk, error) {
		ch, callErr := p.Stream(ctx, &local)
		if callErr != nil {
			pe := Classify(provider, model, callErr)
			if pe.Kind == ErrKindOverflow || !pe.Retryable() {
				return nil, retry.Permanent(pe)
			}
			return nil, pe
		}
		return ch, nil
	})
	if err != nil {
		d.markFailure(provider, err)
		return nil, err
	}
	d.metrics.LLMRequestCounter.WithLabelValues(provider, model, "ok").Inc()
	return chunks, nil
}

// failover tries the one permitted hop after a terminal primary failure.
// Overflow is exempt: pruning the history on another provider's window is
// the caller's decision, not the dispatcher's.
func (d *Dispatcher) failover(ctx context.Context, from string, req *CompletionRequest, cause error) (*CompletionResult, error) {
	target, model, ok := d.failoverTarget(from, cause)
	if !ok {
		return nil, cause
	}

	d.noteFailover(ctx, from, target, cause)
	result, err := d.attempt(ctx, target, model, req)
	if err != nil {
		// The hop budget is one; surface the original failure as context.
		return nil, fmt.Errorf("%w (failover to %s also failed: %v)", cause, target, err)
	}
	return result, nil
}

// failoverTarget picks the first configured provider in the failover order
// that is not the failing one, with its fallback (or default) model.
func (d *Dispatcher) failoverTarget(from string, cause error) (provider, model string, ok bool) {
	var pe *ProviderError
	if !errors.As(cause, &pe) || !pe.ShouldFailover() || pe.Kind == ErrKindOverflow {
		return "", "", false
	}

	for _, name := range d.routing.FailoverOrder {
		if name == from {
			continue
		}
		if _, registered := d.Provider(name); !registered {
			continue
		}
		if !d.configured(name) {
			continue
		}
		cfg := d.routing.Providers[name]
		model := cfg.FallbackModel
		if model == "" {
			model = cfg.DefaultModel
		}
		return name, model, true
	}
	return "", "", false
}

func (d *Dispatcher) noteFailover(ctx context.Context, from, to string, cause error) {
	d.metrics.FailoverCounter.WithLabelValues(from, to).Inc()
	d.logger.Warn(ctx, "failing over",
		"from", from,
		"to", to,
		"cause", cause.Error(),
	)
}

// record books usage tokens and metered cost for a successful result.
func (d *Dispatcher) record(result *CompletionResult) {
	provider, model := SplitModel(result.Model)
	u := result.Usage

	tokens := map[string]int{
		"input":       u.InputTokens,
		"output":      u.OutputTokens,
		"cache_write": u.CacheCreationTokens,
		"cache_read":  u.CacheReadTokens,
	}
	for kind, n := range tokens {
		if n > 0 {
			d.metrics.LLMTokensUsed.WithLabelValues(provider, model, kind).Add(float64(n))
		}
	}

	if d.meter != nil {
		if cost := d.meter.Record(result.Model, u); cost > 0 {
			result.CostUSD = cost
			d.metrics.CostUSD.Add(cost)
		}
	}
}

func (d *Dispatcher) countError(err error) {
	pe := Classify("", "", err)
	provider := pe.Provider
	if provider == "" {
		provider = "unknown"
	}
	d.metrics.LLMErrorCounter.WithLabelValues(provider, string(pe.Kind)).Inc()
}

func (d *Dispatcher) markFailure(provider string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.health[provider]
	if h == nil {
		h = &providerHealth{}
		d.health[provider] = h
	}
	h.ConsecutiveFailures++
	h.LastError = err.Error()
	h.LastErrorAt = time.Now()
}

func (d *Dispatcher) markSuccess(provider string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.health[provider]
	if h == nil {
		h = &providerHealth{}
		d.health[provider] = h
	}
	h.ConsecutiveFailures = 0
	h.LastSuccessAt = time.Now()
}
