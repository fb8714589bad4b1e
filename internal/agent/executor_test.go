package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func toolCalls(names ...string) []models.ToolCall {
	out := make([]models.ToolCall, len(names))
	for i, name := range names {
		out[i] = models.ToolCall{
			ID:    fmt.Sprintf("tc-%d", i),
			Name:  name,
			Input: json.RawMessage(`{}`),
		}
	}
	return out
}

type funcTool struct {
	name   string
	schema string
	fn     func(ctx context.Context, input json.RawMessage) (string, error)
}

func (t funcTool) Name() string        { return t.name }
func (t funcTool) Description() string { return "test tool" }
func (t funcTool) Schema() json.RawMessage {
	if t.schema == "" {
		return json.RawMessage(`{"type":"object"}`)
	}
	return json.RawMessage(t.schema)
}
func (t funcTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	return t.fn(ctx, input)
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(funcTool{name: "bad", schema: `{"type": 42}`})
	if err == nil {
		t.Fatal("invalid schema accepted")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	tool := funcTool{name: "echo", fn: func(_ context.Context, in json.RawMessage) (string, error) {
		return string(in), nil
	}}
	if err := r.Register(tool); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(tool); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestRegistrySubsetKeepsOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		if err := r.Register(funcTool{name: name, fn: nil}); err != nil {
			t.Fatal(err)
		}
	}
	subset := r.Subset("c", "a", "missing")
	if len(subset) != 2 || subset[0].Name() != "a" || subset[1].Name() != "c" {
		t.Errorf("subset order wrong: %v", toolNames(subset))
	}
}

func toolNames(tools []Tool) []string {
	out := make([]string, len(tools))
	for i, tool := range tools {
		out[i] = tool.Name()
	}
	return out
}

func newTestExecutor(t *testing.T, cfg ExecutorConfig, tools ...funcTool) *Executor {
	t.Helper()
	r := NewRegistry()
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	return NewExecutor(r, cfg, nil, nil)
}

func TestExecuteOrderedResults(t *testing.T) {
	slow := funcTool{name: "slow", fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
		time.Sleep(50 * time.Millisecond)
		return "slow done", nil
	}}
	fast := funcTool{name: "fast", fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
		return "fast done", nil
	}}
	e := newTestExecutor(t, ExecutorConfig{}, slow, fast)

	results := e.Execute(context.Background(), toolCalls("slow", "fast"), nil)
	if len(results) != 2 {
		t.Fatalf("len = %d", len(results))
	}
	if results[0].Content != "slow done" || results[1].Content != "fast done" {
		t.Errorf("results out of order: %+v", results)
	}
}

func TestExecuteErrorSentinel(t *testing.T) {
	failing := funcTool{name: "boom", fn: func(context.Context, json.RawMessage) (string, error) {
		return "", errors.New("disk on fire")
	}}
	e := newTestExecutor(t, ExecutorConfig{}, failing)

	results := e.Execute(context.Background(), toolCalls("boom"), nil)
	if !results[0].IsError {
		t.Fatal("error not flagged")
	}
	if !strings.HasPrefix(results[0].Content, ErrorSentinel) {
		t.Errorf("content = %q, want sentinel prefix", results[0].Content)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	panicky := funcTool{name: "panic", fn: func(context.Context, json.RawMessage) (string, error) {
		panic("nil map write")
	}}
	e := newTestExecutor(t, ExecutorConfig{}, panicky)

	results := e.Execute(context.Background(), toolCalls("panic"), nil)
	if !results[0].IsError || !strings.Contains(results[0].Content, "panicked") {
		t.Errorf("panic result = %+v", results[0])
	}
}

func TestExecuteTimeout(t *testing.T) {
	stuck := funcTool{name: "stuck", fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
		<-ctx.Done()
		time.Sleep(time.Hour)
		return "", nil
	}}
	e := newTestExecutor(t, ExecutorConfig{ToolTimeout: 20 * time.Millisecond}, stuck)

	start := time.Now()
	results := e.Execute(context.Background(), toolCalls("stuck"), nil)
	if time.Since(start) > time.Second {
		t.Fatal("executor waited on a stuck tool")
	}
	if !results[0].IsError || !strings.Contains(results[0].Content, "timed out") {
		t.Errorf("timeout result = %+v", results[0])
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	e := newTestExecutor(t, ExecutorConfig{})
	results := e.Execute(context.Background(), toolCalls("ghost"), nil)
	if !results[0].IsError || !strings.Contains(results[0].Content, "unknown tool") {
		t.Errorf("result = %+v", results[0])
	}
}

func TestExecuteConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int64
	busy := funcTool{name: "busy", fn: func(context.Context, json.RawMessage) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return "ok", nil
	}}
	e := newTestExecutor(t, ExecutorConfig{Concurrency: 4}, busy)

	calls := toolCalls("busy", "busy", "busy", "busy", "busy", "busy", "busy", "busy")
	e.Execute(context.Background(), calls, nil)
	if got := peak.Load(); got > 4 {
		t.Errorf("peak concurrency = %d, want <= 4", got)
	}
}

func TestExecuteOverrideRetries(t *testing.T) {
	var attempts atomic.Int64
	flaky := funcTool{name: "flaky", fn: func(context.Context, json.RawMessage) (string, error) {
		if attempts.Add(1) == 1 {
			return "", errors.New("transient")
		}
		return "recovered", nil
	}}
	e := newTestExecutor(t, ExecutorConfig{
		Overrides: map[string]ExecOverride{"flaky": {MaxAttempts: 2}},
	}, flaky)

	results := e.Execute(context.Background(), toolCalls("flaky"), nil)
	if results[0].IsError || results[0].Content != "recovered" {
		t.Errorf("result = %+v", results[0])
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestExecuteHookSeesStartAndResult(t *testing.T) {
	tool := funcTool{name: "observed", fn: func(context.Context, json.RawMessage) (string, error) {
		return "done", nil
	}}
	e := newTestExecutor(t, ExecutorConfig{}, tool)

	var starts, finishes atomic.Int64
	e.Execute(context.Background(), toolCalls("observed"), func(ev ToolEvent) {
		if ev.Result == nil {
			starts.Add(1)
		} else {
			finishes.Add(1)
		}
	})
	if starts.Load() != 1 || finishes.Load() != 1 {
		t.Errorf("hook calls = %d starts, %d finishes", starts.Load(), finishes.Load())
	}
}
