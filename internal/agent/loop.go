package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/haasonsaas/relay/internal/agent/overflow"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// LoopConfig governs the agentic iteration loop.
type LoopConfig struct {
	// MaxIterations caps dispatcher round-trips per user turn. Default 12.
	MaxIterations int

	// RepeatThreshold and RepeatWindow drive loop detection: the loop
	// terminates when one (tool, args) signature occurs RepeatThreshold
	// times within the last RepeatWindow signatures.
	RepeatThreshold int
	RepeatWindow    int

	// CircuitThreshold trips the breaker when one iteration produces this
	// many failed tool results. Default 3.
	CircuitThreshold int

	// Window and KeepPairs parameterize overflow recovery.
	Window    int
	KeepPairs int

	// CompactionThreshold triggers proactive recovery before dispatch when
	// the estimated history size crosses this fraction of the window.
	CompactionThreshold float64
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 12
	}
	if c.RepeatThreshold <= 0 {
		c.RepeatThreshold = 3
	}
	if c.RepeatWindow <= 0 {
		c.RepeatWindow = 6
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = 3
	}
	if c.Window <= 0 {
		c.Window = 160000
	}
	if c.CompactionThreshold <= 0 || c.CompactionThreshold > 1 {
		c.CompactionThreshold = 0.9
	}
	return c
}

// Hooks observe loop progress. Callbacks must not block.
type Hooks struct {
	// OnTool fires at each tool's start and completion.
	OnTool ToolHook

	// OnStatus fires on loop-level transitions (overflow recovery,
	// termination causes) with a short status string.
	OnStatus func(status string)
}

func (h Hooks) status(s string) {
	if h.OnStatus != nil {
		h.OnStatus(s)
	}
}

// LoopRequest is one user turn handed to the loop.
type LoopRequest struct {
	Model     string
	System    SystemPrompt
	Messages  []models.Message
	Tools     []Tool
	MaxTokens int
	Thinking  ThinkingLevel
	Hooks     Hooks
}

// LoopResult is what a turn produced. Messages holds every message the
// loop generated, in order, ready to append to the session; on a
// terminal error Text still carries any partial assistant text.
type LoopResult struct {
	Text       string
	Messages   []models.Message
	Iterations int
	Usage      models.Usage
	CostUSD    float64
}

// Loop drives the dispatch/execute cycle for a turn until the model
// produces plain text or a guard trips.
type Loop struct {
	dispatcher *Dispatcher
	executor   *Executor
	config     LoopConfig
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// NewLoop builds a Loop.
func NewLoop(dispatcher *Dispatcher, executor *Executor, config LoopConfig, metrics *observability.Metrics, logger *observability.Logger) *Loop {
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Loop{
		dispatcher: dispatcher,
		executor:   executor,
		config:     config.withDefaults(),
		metrics:    metrics,
		logger:     logger,
	}
}

// Run executes the loop for one turn.
//
// Termination causes, in the order they are checked each iteration:
// cancellation, a plain-text result (success), loop detection over tool
// signatures, the tool-error circuit breaker, and finally the iteration
// cap. A token overflow from the dispatcher triggers staged recovery and
// one same-iteration retry before it becomes terminal.
func (l *Loop) Run(ctx context.Context, req *LoopRequest) (LoopResult, error) {
	cfg := l.config
	msgs := cloneMessages(req.Messages)

	var result LoopResult
	var sigs []string

	defer func() {
		l.metrics.LoopIterations.Observe(float64(result.Iterations))
	}()

	for i := 1; i <= cfg.MaxIterations; i++ {
		result.Iterations = i
		if err := ctx.Err(); err != nil {
			return result, err
		}

		// Proactive compaction: recover before dispatch once the estimate
		// nears the window, instead of waiting for the provider to reject.
		if est := overflow.EstimateTokens(msgs); float64(est) >= cfg.CompactionThreshold*float64(cfg.Window) {
			recovered, stats, rerr := overflow.Recover(msgs, cfg.Window, cfg.KeepPairs)
			if rerr != nil {
				return result, rerr
			}
			if stats.Stage != overflow.StageA {
				req.Hooks.status("compacting context")
				l.logger.Info(ctx, "history compacted",
					"stage", string(stats.Stage),
					"pairs_dropped", stats.PairsDropped,
					"tokens_after", stats.TokensAfter,
				)
				msgs = recovered
			}
		}

		creq := &CompletionRequest{
			Model:     req.Model,
			System:    req.System,
			Messages:  msgs,
			Tools:     req.Tools,
			MaxTokens: req.MaxTokens,
			Thinking:  req.Thinking,
		}

		completion, err := l.dispatcher.Dispatch(ctx, creq)
		if IsOverflow(err) {
			req.Hooks.status("recovering context")
			recovered, stats, rerr := overflow.Recover(msgs, cfg.Window, cfg.KeepPairs)
			if rerr != nil {
				return result, rerr
			}
			l.logger.Info(ctx, "context recovered",
				"stage", string(stats.Stage),
				"pairs_dropped", stats.PairsDropped,
				"tokens_after", stats.TokensAfter,
			)
			msgs = recovered
			creq.Messages = msgs
			completion, err = l.dispatcher.Dispatch(ctx, creq)
		}
		if err != nil {
			return result, err
		}
		result.Usage.Add(completion.Usage)
		result.CostUSD += completion.CostUSD

		if len(completion.ToolCalls) == 0 {
			final := models.Message{Role: models.RoleAssistant, Content: completion.Content}
			result.Messages = append(result.Messages, final)
			result.Text = completion.Content
			return result, nil
		}

		assistant := models.Message{
			Role:      models.RoleAssistant,
			Content:   completion.Content,
			ToolCalls: completion.ToolCalls,
		}
		msgs = append(msgs, assistant)
		result.Messages = append(result.Messages, assistant)
		if completion.Content != "" {
			result.Text = completion.Content
		}

		// Loop detection runs before execution so a degenerate model
		// cannot hammer the same tool past the threshold.
		looping := ""
		for _, call := range completion.ToolCalls {
			sig := signature(call)
			sigs = append(sigs, sig)
			if len(sigs) > cfg.RepeatWindow {
				sigs = sigs[len(sigs)-cfg.RepeatWindow:]
			}
			if countOf(sigs, sig) >= cfg.RepeatThreshold {
				looping = call.Name
				break
			}
		}
		if looping != "" {
			req.Hooks.status("loop detected")
			l.logger.Warn(ctx, "tool loop detected", "tool", looping, "iteration", i)
			// The assistant turn is already in the transcript; every one of
			// its calls gets a failed result so no call is left unanswered
			// in the persisted history.
			results := make([]models.ToolResult, len(completion.ToolCalls))
			for j, call := range completion.ToolCalls {
				results[j] = errorResult(call.ID, fmt.Sprintf("tool %s called repeatedly with the same arguments, stopping", call.Name))
			}
			toolMsg := models.Message{Role: models.RoleTool, ToolResults: results}
			result.Messages = append(result.Messages, toolMsg)
			return result, ErrLoopDetected
		}

		toolResults := l.executor.Execute(ctx, completion.ToolCalls, req.Hooks.OnTool)
		toolMsg := models.Message{Role: models.RoleTool, ToolResults: toolResults}
		msgs = append(msgs, toolMsg)
		result.Messages = append(result.Messages, toolMsg)

		// Cancellation during execution wins over the breaker: the failed
		// results only reflect the cancel.
		if err := ctx.Err(); err != nil {
			return result, err
		}

		// The breaker counts sentinel-prefixed failures in this iteration
		// only; earlier iterations' failures the model already saw and
		// worked past do not accumulate.
		failed := 0
		for _, tr := range toolResults {
			if strings.HasPrefix(tr.Content, ErrorSentinel) {
				failed++
			}
		}
		if failed >= cfg.CircuitThreshold {
			req.Hooks.status("circuit open")
			l.logger.Warn(ctx, "tool error circuit tripped", "failed", failed, "iteration", i)
			return result, ErrCircuitOpen
		}
	}

	req.Hooks.status("iteration cap")
	return result, ErrIterationCap
}

// signature is the loop-detection key for a tool call: the tool name plus
// a digest of its exact argument bytes.
func signature(call models.ToolCall) string {
	sum := sha256.Sum256(call.Input)
	return call.Name + ":" + hex.EncodeToString(sum[:8])
}

func countOf(sigs []string, sig string) int {
	n := 0
	for _, s := range sigs {
		if s == sig {
			n++
		}
	}
	return n
}

func cloneMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i := range msgs {
		out[i] = *msgs[i].Clone()
	}
	return out
}
