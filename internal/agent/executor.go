package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// ExecutorConfig configures tool execution.
type ExecutorConfig struct {
	// Concurrency caps how many tools run at once. Default 4.
	Concurrency int

	// ToolTimeout bounds a single tool execution. Default 60s.
	ToolTimeout time.Duration

	// Overrides adjusts timeout and attempts per tool name. Tools absent
	// from the map use the defaults above with one attempt.
	Overrides map[string]ExecOverride
}

// ExecOverride is a per-tool execution policy.
type ExecOverride struct {
	Timeout     time.Duration
	MaxAttempts int
}

// Executor runs a model's requested tool calls against the registry with
// bounded concurrency. Results come back in request order regardless of
// completion order, so the history stays aligned with the model's calls.
// Failed executions become error results, never Go errors: the model sees
// the failure and decides what to do with it.
type Executor struct {
	registry *Registry
	config   ExecutorConfig
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewExecutor builds an Executor. Zero config fields get defaults.
func NewExecutor(registry *Registry, config ExecutorConfig, metrics *observability.Metrics, logger *observability.Logger) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 60 * time.Second
	}
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Executor{registry: registry, config: config, metrics: metrics, logger: logger}
}

// ToolEvent notifies a hook about one tool's lifecycle.
type ToolEvent struct {
	Call    models.ToolCall
	Result  *models.ToolResult // nil on start
	Elapsed time.Duration
}

// ToolHook observes tool execution. It must not block.
type ToolHook func(ToolEvent)

// Execute runs every call and returns one result per call, in call order.
func (e *Executor) Execute(ctx context.Context, calls []models.ToolCall, hook ToolHook) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	sem := make(chan struct{}, e.config.Concurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call models.ToolCall) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = errorResult(call.ID, "cancelled before execution")
				return
			}

			if hook != nil {
				hook(ToolEvent{Call: call})
			}
			start := time.Now()
			results[idx] = e.executeOne(ctx, call)
			elapsed := time.Since(start)

			status := "ok"
			if results[idx].IsError {
				status = "error"
			}
			e.metrics.ToolExecutionCounter.WithLabelValues(call.Name, status).Inc()
			e.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())
			if hook != nil {
				hook(ToolEvent{Call: call, Result: &results[idx], Elapsed: elapsed})
			}
		}(i, call)
	}

	wg.Wait()
	return results
}

// executeOne runs a single call through its attempt budget.
func (e *Executor) executeOne(ctx context.Context, call models.ToolCall) models.ToolResult {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return errorResult(call.ID, fmt.Sprintf("unknown tool %q", call.Name))
	}

	timeout := e.config.ToolTimeout
	attempts := 1
	if override, ok := e.config.Overrides[call.Name]; ok {
		if override.Timeout > 0 {
			timeout = override.Timeout
		}
		if override.MaxAttempts > 0 {
			attempts = override.MaxAttempts
		}
	}

	var result models.ToolResult
	for attempt := 1; attempt <= attempts; attempt++ {
		result = e.runWithTimeout(ctx, tool, call, timeout)
		if !result.IsError || ctx.Err() != nil {
			break
		}
		if attempt < attempts {
			e.logger.Debug(ctx, "retrying tool",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"attempt", attempt,
			)
		}
	}
	return result
}

// runWithTimeout executes the tool in its own goroutine so a stuck tool
// cannot wedge the loop, and recovers panics into error results.
func (e *Executor) runWithTimeout(ctx context.Context, tool Tool, call models.ToolCall, timeout time.Duration) models.ToolResult {
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan models.ToolResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error(toolCtx, "tool panicked",
					"tool", call.Name,
					"tool_call_id", call.ID,
					"panic", fmt.Sprint(r),
				)
				done <- errorResult(call.ID, fmt.Sprintf("tool %s panicked: %v", call.Name, r))
			}
		}()

		content, err := tool.Execute(toolCtx, call.Input)
		if err != nil {
			done <- errorResult(call.ID, err.Error())
			return
		}
		done <- models.ToolResult{ToolCallID: call.ID, Content: content}
	}()

	select {
	case result := <-done:
		return result
	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			e.logger.Warn(ctx, "tool timed out",
				"tool", call.Name,
				"tool_call_id", call.ID,
				"timeout", timeout,
			)
			return errorResult(call.ID, fmt.Sprintf("tool %s timed out after %v", call.Name, timeout))
		}
		return errorResult(call.ID, "tool execution cancelled")
	}
}

// errorResult builds a sentinel-prefixed failed tool result.
func errorResult(callID, msg string) models.ToolResult {
	return models.ToolResult{
		ToolCallID: callID,
		Content:    ErrorSentinel + " " + msg,
		IsError:    true,
	}
}
