package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/haasonsaas/relay/internal/agent/overflow"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
)

// ProcessOptions tune one ProcessMessage or StreamMessage call.
type ProcessOptions struct {
	// Image attaches media to the user message.
	Image *models.Attachment

	// ModelOverride pins the model for this call only. It wins over the
	// session's stored override.
	ModelOverride string

	// OnTool fires when a tool call starts.
	OnTool func(name string, args json.RawMessage)

	// OnStatus fires on loop status transitions.
	OnStatus func(status, detail string)
}

// StreamEventType discriminates StreamEvent.
type StreamEventType string

const (
	EventText     StreamEventType = "text"
	EventThinking StreamEventType = "thinking"
	EventTool     StreamEventType = "tool"
	EventStatus   StreamEventType = "status"
	EventDone     StreamEventType = "done"
	EventError    StreamEventType = "error"
)

// StreamEvent is one event in a StreamMessage response. The external HTTP
// surface forwards these as Server-Sent Events.
type StreamEvent struct {
	Type StreamEventType

	// Text is a content delta for EventText, the thinking delta for
	// EventThinking, and the complete final text for EventDone.
	Text string

	ToolName string
	ToolArgs json.RawMessage

	Status string
	Detail string

	Err error
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	// SystemPrompt is the assembled system prompt, split at its caching
	// boundary.
	SystemPrompt SystemPrompt
}

// Engine is the per-turn orchestrator: it owns session bookkeeping, intent
// classification, and the hand-off into the tool loop. One Engine serves
// all sessions; per-session serialization is the caller's concern.
type Engine struct {
	dispatcher *Dispatcher
	loop       *Loop
	registry   *Registry
	classifier *Classifier
	store      sessions.Store
	config     EngineConfig
	metrics    *observability.Metrics
	logger     *observability.Logger
}

// NewEngine builds an Engine over an already-wired dispatcher and loop.
func NewEngine(dispatcher *Dispatcher, loop *Loop, registry *Registry, classifier *Classifier, store sessions.Store, config EngineConfig, metrics *observability.Metrics, logger *observability.Logger) *Engine {
	if metrics == nil {
		metrics = observability.NopMetrics()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Engine{
		dispatcher: dispatcher,
		loop:       loop,
		registry:   registry,
		classifier: classifier,
		store:      store,
		config:     config,
		metrics:    metrics,
		logger:     logger,
	}
}

// ProcessMessage runs one user turn to completion and returns the final
// text.
//
// Loop guards (iteration cap, loop detection, circuit breaker) terminate
// with a user-visible message, carrying any partial assistant text, and a
// nil error: the turn ended in a displayable state. Provider failures
// return the rendered message and the underlying error. Cancellation
// returns the error alone; whatever was appended before the cancel point
// stays in the session.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID, text string, opts ProcessOptions) (string, error) {
	req, err := e.prepare(ctx, sessionID, text, opts)
	if err != nil {
		return "", err
	}

	result, runErr := e.loop.Run(ctx, req)
	e.finish(ctx, sessionID, result)

	switch {
	case runErr == nil:
		return result.Text, nil
	case errors.Is(runErr, context.Canceled):
		return "", runErr
	case errors.Is(runErr, ErrIterationCap), errors.Is(runErr, ErrLoopDetected), errors.Is(runErr, ErrCircuitOpen):
		return terminalText(result.Text, runErr), nil
	default:
		e.logger.Error(ctx, "turn failed", "session", sessionID, "error", runErr.Error())
		return UserMessage(runErr), runErr
	}
}

// StreamMessage runs one user turn, emitting events as they happen. Tool-free
// turns stream token deltas straight from the provider; turns that carry
// tools run the loop and emit tool and status events as it progresses, then
// the final text. The channel closes after EventDone or EventError.
func (e *Engine) StreamMessage(ctx context.Context, sessionID, text string, opts ProcessOptions) (<-chan StreamEvent, error) {
	req, err := e.prepare(ctx, sessionID, text, opts)
	if err != nil {
		return nil, err
	}

	events := make(chan StreamEvent, 8)
	if len(req.Tools) == 0 {
		chunks, err := e.streamToolFree(ctx, req)
		if err != nil {
			return nil, err
		}
		go e.pumpEvents(ctx, sessionID, chunks, events)
		return events, nil
	}

	go func() {
		defer close(events)
		result, runErr := e.loop.Run(ctx, req)
		e.finish(ctx, sessionID, result)

		switch {
		case runErr == nil:
			events <- StreamEvent{Type: EventText, Text: result.Text}
			events <- StreamEvent{Type: EventDone, Text: result.Text}
		case errors.Is(runErr, ErrIterationCap), errors.Is(runErr, ErrLoopDetected), errors.Is(runErr, ErrCircuitOpen):
			text := terminalText(result.Text, runErr)
			events <- StreamEvent{Type: EventText, Text: text}
			events <- StreamEvent{Type: EventDone, Text: text}
		default:
			events <- StreamEvent{Type: EventError, Err: runErr}
		}
	}()
	return events, nil
}

// streamToolFree opens the provider stream for a turn carrying no tools,
// under the same history budget the loop applies: proactive compaction near
// the window, then staged recovery and one retry when the provider rejects
// the history anyway.
func (e *Engine) streamToolFree(ctx context.Context, req *LoopRequest) (<-chan *CompletionChunk, error) {
	cfg := e.loop.config
	msgs := req.Messages

	if est := overflow.EstimateTokens(msgs); float64(est) >= cfg.CompactionThreshold*float64(cfg.Window) {
		recovered, stats, err := overflow.Recover(msgs, cfg.Window, cfg.KeepPairs)
		if err != nil {
			return nil, err
		}
		if stats.Stage != overflow.StageA {
			req.Hooks.status("compacting context")
			msgs = recovered
		}
	}

	creq := &CompletionRequest{
		Model:     req.Model,
		System:    req.System,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
		Thinking:  req.Thinking,
	}
	chunks, err := e.dispatcher.DispatchStream(ctx, creq)
	if IsOverflow(err) {
		req.Hooks.status("recovering context")
		recovered, stats, rerr := overflow.Recover(msgs, cfg.Window, cfg.KeepPairs)
		if rerr != nil {
			return nil, rerr
		}
		e.logger.Info(ctx, "context recovered",
			"stage", string(stats.Stage),
			"pairs_dropped", stats.PairsDropped,
			"tokens_after", stats.TokensAfter,
		)
		creq.Messages = recovered
		chunks, err = e.dispatcher.DispatchStream(ctx, creq)
	}
	return chunks, err
}

// EndSession destroys a session and its history.
func (e *Engine) EndSession(ctx context.Context, sessionID string) error {
	if err := e.store.Delete(ctx, sessionID); err != nil {
		return err
	}
	e.metrics.ActiveSessions.Set(float64(e.store.Len()))
	return nil
}

// prepare appends the user message, classifies intent, and assembles the
// loop request from session state.
func (e *Engine) prepare(ctx context.Context, sessionID, text string, opts ProcessOptions) (*LoopRequest, error) {
	session, err := e.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}
	e.metrics.ActiveSessions.Set(float64(e.store.Len()))

	userMsg := models.Message{Role: models.RoleUser, Content: text}
	if opts.Image != nil {
		userMsg.Attachments = []models.Attachment{*opts.Image}
	}
	if err := e.store.Append(ctx, sessionID, userMsg); err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	history, err := e.store.History(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	model := opts.ModelOverride
	if model == "" {
		model = session.ModelOverride
	}

	cls := e.classifier.Classify(text, len(history))
	e.logger.Debug(ctx, "turn classified",
		"session", sessionID,
		"intent", string(cls.Intent),
		"tools", len(cls.Tools),
		"max_tokens", cls.MaxTokens,
	)

	return &LoopRequest{
		Model:     model,
		System:    e.config.SystemPrompt,
		Messages:  history,
		Tools:     e.registry.Subset(cls.Tools...),
		MaxTokens: cls.MaxTokens,
		Thinking:  cls.Thinking,
		Hooks: Hooks{
			OnTool: func(ev ToolEvent) {
				if opts.OnTool != nil && ev.Result == nil {
					opts.OnTool(ev.Call.Name, ev.Call.Input)
				}
			},
			OnStatus: func(status string) {
				if opts.OnStatus != nil {
					opts.OnStatus(status, "")
				}
			},
		},
	}, nil
}

// finish persists whatever the loop produced, even on a terminal error.
func (e *Engine) finish(ctx context.Context, sessionID string, result LoopResult) {
	if len(result.Messages) > 0 {
		if err := e.store.Append(ctx, sessionID, result.Messages...); err != nil {
			e.logger.Error(ctx, "session append failed", "session", sessionID, "error", err.Error())
		}
	}
	if result.Usage.Total() > 0 || result.CostUSD > 0 {
		if err := e.store.RecordUsage(ctx, sessionID, result.Usage, result.CostUSD); err != nil {
			e.logger.Error(ctx, "usage record failed", "session", sessionID, "error", err.Error())
		}
	}
}

// pumpEvents adapts a provider chunk stream into engine events and persists
// the completed assistant turn.
func (e *Engine) pumpEvents(ctx context.Context, sessionID string, chunks <-chan *CompletionChunk, events chan<- StreamEvent) {
	defer close(events)

	var text []byte
	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			events <- StreamEvent{Type: EventError, Err: chunk.Error}
			return
		case chunk.Thinking != "":
			events <- StreamEvent{Type: EventThinking, Text: chunk.Thinking}
		case chunk.Text != "":
			text = append(text, chunk.Text...)
			events <- StreamEvent{Type: EventText, Text: chunk.Text}
		case chunk.Done:
			final := string(text)
			e.finish(ctx, sessionID, LoopResult{
				Text:     final,
				Messages: []models.Message{{Role: models.RoleAssistant, Content: final}},
				Usage:    chunk.Usage,
				CostUSD:  chunk.CostUSD,
			})
			events <- StreamEvent{Type: EventDone, Text: final}
		}
	}
}

// terminalText renders a guard-terminated turn: the partial text, when one
// exists, followed by the guard's user-visible message.
func terminalText(partial string, err error) string {
	msg := UserMessage(err)
	if partial == "" {
		return msg
	}
	return partial + "\n\n" + msg
}
