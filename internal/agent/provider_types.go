package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// ThinkingLevel selects how much extended-reasoning budget a call requests.
// Adapters translate the level into their provider's mechanism (Anthropic
// thinking budgets, OpenAI reasoning effort); providers without one ignore it.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = ""
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
	ThinkingXHigh  ThinkingLevel = "xhigh"
)

// cacheBoundaryMarker is the legacy inline separator between the static and
// dynamic halves of an assembled system prompt. New callers should populate
// SystemPrompt explicitly; ParseSystemPrompt honors the marker for callers
// that still hand over one joined string.
const cacheBoundaryMarker = "\x00cache-boundary\x00"

// SystemPrompt is the system prompt split at its caching boundary. Static
// holds the part that is identical across calls (persona, standing
// instructions) and is worth a provider-side cache entry; Dynamic holds the
// per-session remainder (memory, date, injected context).
type SystemPrompt struct {
	Static  string
	Dynamic string
}

// ParseSystemPrompt splits an assembled prompt at the legacy boundary
// marker. Without a marker the whole prompt is treated as static.
func ParseSystemPrompt(s string) SystemPrompt {
	if static, dynamic, ok := strings.Cut(s, cacheBoundaryMarker); ok {
		return SystemPrompt{Static: static, Dynamic: dynamic}
	}
	return SystemPrompt{Static: s}
}

// IsEmpty reports whether no system prompt was supplied.
func (s SystemPrompt) IsEmpty() bool {
	return s.Static == "" && s.Dynamic == ""
}

// Joined returns the prompt as one string, for providers without block-level
// cache control.
func (s SystemPrompt) Joined() string {
	switch {
	case s.Static == "":
		return s.Dynamic
	case s.Dynamic == "":
		return s.Static
	default:
		return s.Static + "\n\n" + s.Dynamic
	}
}

// CompletionRequest describes one LLM invocation. It is treated as
// immutable once handed to the dispatcher: sanitizers and adapters work on
// copies of Messages, never in place.
type CompletionRequest struct {
	// Model is the bare model id; provider routing has already happened by
	// the time an adapter sees the request.
	Model string

	System   SystemPrompt
	Messages []models.Message

	// Tools are the schemas offered to the model this turn. Empty means
	// the call is cache-eligible.
	Tools []Tool

	// MaxTokens bounds the response. Zero lets the adapter pick its
	// provider default.
	MaxTokens int

	// Thinking requests extended reasoning at the given level.
	Thinking ThinkingLevel

	// Temperature, when non-nil, overrides the provider default. Ignored
	// for calls where the provider forbids it (thinking, reasoning models).
	Temperature *float64
}

// CompletionResult is the unified non-streaming response.
type CompletionResult struct {
	// Content is the assistant text, flattened across provider block
	// structures.
	Content string

	// ToolCalls are requested tool invocations, in provider emission order.
	ToolCalls []models.ToolCall

	Usage models.Usage

	// Model is the provider-prefixed id that actually answered; under
	// failover this differs from the requested model.
	Model string

	// Cached marks a response served from the response cache. Cached
	// results carry zero usage and no tool calls.
	Cached bool

	// CostUSD is this call's metered cost. Zero when no meter is wired or
	// the model is unpriced.
	CostUSD float64
}

// CompletionChunk is one event in a streaming response. Exactly one of the
// event fields is meaningful per chunk; Done carries final usage.
type CompletionChunk struct {
	// Text is a content delta.
	Text string

	// Thinking is an extended-reasoning delta.
	Thinking string

	// ToolCallStart opens a tool-use block before its arguments arrive.
	ToolCallStart *ToolCallStart

	// ToolCallDelta is a partial-JSON arguments fragment for the most
	// recently started tool call.
	ToolCallDelta string

	// ToolCall is a completed tool invocation with fully accumulated
	// arguments.
	ToolCall *models.ToolCall

	// Done marks the end of the stream; Usage and Model are set here.
	// CostUSD is filled in by the dispatcher when a meter is wired.
	Done    bool
	Usage   models.Usage
	Model   string
	CostUSD float64

	// Error terminates the stream early.
	Error error
}

// ToolCallStart identifies a tool-use block as it opens in a stream.
type ToolCallStart struct {
	ID   string
	Name string
}

// Tool is a capability the model may invoke. Execution is external to the
// engine; a result string starting with U+274C marks an error for
// circuit-break accounting.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON Schema for the tool's input object.
	Schema() json.RawMessage

	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// LLMProvider is the unified adapter contract every provider implements.
type LLMProvider interface {
	// Name returns the provider id used in routing and metrics.
	Name() string

	// Complete performs a non-streaming call.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResult, error)

	// Stream performs a streaming call. The returned channel is closed
	// after a Done or Error chunk. Concatenating Text deltas yields the
	// same content a Complete call would return.
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// CountTokens estimates the request's input token footprint.
	CountTokens(req *CompletionRequest) int
}

// SplitModel splits a provider-prefixed model id. Unqualified ids return
// provider == "".
func SplitModel(model string) (provider, id string) {
	if i := strings.IndexByte(model, '/'); i >= 0 {
		return model[:i], model[i+1:]
	}
	return "", model
}

// QualifyModel joins a provider and model id into the canonical
// provider-prefixed form.
func QualifyModel(provider, id string) string {
	if provider == "" {
		return id
	}
	return provider + "/" + id
}
