package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/pkg/models"
)

type stubTool struct {
	name        string
	description string
	schema      string
}

func (t stubTool) Name() string            { return t.name }
func (t stubTool) Description() string     { return t.description }
func (t stubTool) Schema() json.RawMessage { return json.RawMessage(t.schema) }
func (t stubTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "", nil
}

func TestIsReasoningModel(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"o1", true},
		{"o3-pro", true},
		{"o4-mini", true},
		{"gpt-5", true},
		{"gpt-5-mini", true},
		{"gpt-4o", false},
		{"gpt-4o-mini", false},
		{"grok-4", false},
		{"llama3", false},
		{"open-mistral", false},
	}
	for _, tt := range tests {
		if got := isReasoningModel(tt.model); got != tt.want {
			t.Errorf("isReasoningModel(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestReasoningEffort(t *testing.T) {
	tests := []struct {
		level agent.ThinkingLevel
		want  string
	}{
		{agent.ThinkingOff, ""},
		{agent.ThinkingLow, "low"},
		{agent.ThinkingMedium, "medium"},
		{agent.ThinkingHigh, "high"},
		{agent.ThinkingXHigh, "high"},
	}
	for _, tt := range tests {
		if got := reasoningEffort(tt.level); got != tt.want {
			t.Errorf("reasoningEffort(%q) = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestNormalizeArguments(t *testing.T) {
	if got := string(normalizeArguments("")); got != "{}" {
		t.Errorf("empty arguments = %q, want {}", got)
	}
	if got := string(normalizeArguments(`  {"a":1} `)); got != `{"a":1}` {
		t.Errorf("arguments = %q", got)
	}
}

func TestBuildChatRequestReasoningModel(t *testing.T) {
	p := newTestOpenAIProvider(t, "")
	temp := 0.7
	req, err := p.buildChatRequest(&agent.CompletionRequest{
		Model:       "o3-pro",
		Messages:    []models.Message{{Role: models.RoleUser, Content: "hi"}},
		MaxTokens:   500,
		Thinking:    agent.ThinkingMedium,
		Temperature: &temp,
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.Temperature != 0 {
		t.Error("temperature set for reasoning model")
	}
	if req.ReasoningEffort != "medium" {
		t.Errorf("ReasoningEffort = %q, want medium", req.ReasoningEffort)
	}
	if req.MaxCompletionTokens != 500 || req.MaxTokens != 0 {
		t.Error("reasoning model must use max_completion_tokens")
	}
}

func TestBuildChatRequestStandardModel(t *testing.T) {
	p := newTestOpenAIProvider(t, "")
	temp := 0.7
	req, err := p.buildChatRequest(&agent.CompletionRequest{
		Model:       "gpt-4o",
		Messages:    []models.Message{{Role: models.RoleUser, Content: "hi"}},
		MaxTokens:   500,
		Temperature: &temp,
	})
	if err != nil {
		t.Fatal(err)
	}
	if req.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", req.Temperature)
	}
	if req.MaxTokens != 500 {
		t.Errorf("MaxTokens = %d, want 500", req.MaxTokens)
	}
}

func TestConvertMessagesToolShapes(t *testing.T) {
	p := newTestOpenAIProvider(t, "")
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "look this up"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "search", Input: json.RawMessage(`{"q":"x"}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "call_1", Content: "found it"},
		}},
		{Role: models.RoleAssistant, Content: "done"},
	}

	out := p.convertMessages(&agent.CompletionRequest{
		System:   agent.SystemPrompt{Static: "be brief"},
		Messages: msgs,
	})

	if len(out) != 5 {
		t.Fatalf("len = %d, want 5 (system + 4)", len(out))
	}
	if out[0].Role != "system" || out[0].Content != "be brief" {
		t.Error("system prompt must lead")
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Name != "search" {
		t.Error("assistant tool call not re-encoded")
	}
	if out[3].Role != "tool" || out[3].ToolCallID != "call_1" {
		t.Errorf("tool result shape wrong: %+v", out[3])
	}
}

func TestFlattenForResponses(t *testing.T) {
	msgs := []models.Message{
		{Role: models.RoleUser, Content: "question"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "calc", Input: json.RawMessage(`{"e":"1"}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Content: "2"},
		}},
		{Role: models.RoleAssistant},
	}
	out := flattenForResponses(msgs)
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3 (empty message dropped)", len(out))
	}
	if !strings.Contains(out[1].Content, "calc") {
		t.Error("tool call not inlined as text")
	}
	if out[2].Role != "user" {
		t.Errorf("tool role = %q, want user", out[2].Role)
	}
}

// TestResponsesFallback exercises the full secondary-endpoint flow: a 404
// "not a chat model" moves the call to /responses, and a success memoizes
// the model so the chat endpoint is never tried again.
func TestResponsesFallback(t *testing.T) {
	var chatCalls, responsesCalls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
			chatCalls.Add(1)
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"This is not a chat model and thus not supported in the v1/chat/completions endpoint.","type":"invalid_request_error"}}`))
		case "/responses":
			responsesCalls.Add(1)
			var body responsesRequest
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode /responses body: %v", err)
			}
			if body.Model != "o3-pro" {
				t.Errorf("model = %q", body.Model)
			}
			_, _ = w.Write([]byte(`{
				"output": [
					{"type": "reasoning"},
					{"type": "message", "content": [{"type": "output_text", "text": "42"}]}
				],
				"usage": {"input_tokens": 10, "output_tokens": 5}
			}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	p := newTestOpenAIProvider(t, server.URL)
	req := &agent.CompletionRequest{
		Model:    "o3-pro",
		Messages: []models.Message{{Role: models.RoleUser, Content: "meaning of life?"}},
	}

	result, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != "42" {
		t.Errorf("Content = %q, want 42", result.Content)
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v", result.Usage)
	}
	if !p.isResponsesOnly("o3-pro") {
		t.Error("model not memoized as responses-only")
	}

	if _, err := p.Complete(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if got := chatCalls.Load(); got != 1 {
		t.Errorf("chat endpoint called %d times, want 1", got)
	}
	if got := responsesCalls.Load(); got != 2 {
		t.Errorf("responses endpoint called %d times, want 2", got)
	}
}

// TestResponsesFallbackBlacklists verifies that a model failing both
// endpoints is blacklisted with a failover-eligible error and never
// called again.
func TestResponsesFallbackBlacklists(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		switch r.URL.Path {
		case "/chat/completions":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"This is not a chat model and thus not supported in the v1/chat/completions endpoint.","type":"invalid_request_error"}}`))
		case "/responses":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
		}
	}))
	defer server.Close()

	p := newTestOpenAIProvider(t, server.URL)
	req := &agent.CompletionRequest{
		Model:    "o3-pro",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	}

	_, err := p.Complete(context.Background(), req)
	var pe *agent.ProviderError
	if !errors.As(err, &pe) || pe.Kind != agent.ErrKindModelUnavailable {
		t.Fatalf("err = %v, want model_unavailable", err)
	}
	if !pe.ShouldFailover() {
		t.Error("blacklist error must be failover-eligible")
	}

	before := calls.Load()
	_, err = p.Complete(context.Background(), req)
	if !errors.As(err, &pe) || pe.Kind != agent.ErrKindModelUnavailable {
		t.Fatalf("second err = %v", err)
	}
	if calls.Load() != before {
		t.Error("blacklisted model still reached the network")
	}
}

func TestStreamViaCompleteShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{
			"output": [{"type": "message", "content": [{"type": "output_text", "text": "hello"}]}],
			"usage": {"input_tokens": 3, "output_tokens": 2}
		}`))
	}))
	defer server.Close()

	p := newTestOpenAIProvider(t, server.URL)
	p.markResponsesOnly("o3-pro")

	chunks, err := p.Stream(context.Background(), &agent.CompletionRequest{
		Model:    "o3-pro",
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var text strings.Builder
	sawDone := false
	for chunk := range chunks {
		if chunk.Error != nil {
			t.Fatal(chunk.Error)
		}
		text.WriteString(chunk.Text)
		if chunk.Done {
			sawDone = true
			if chunk.Usage.OutputTokens != 2 {
				t.Errorf("Done usage = %+v", chunk.Usage)
			}
		}
	}
	if !sawDone {
		t.Error("stream never emitted Done")
	}
	if text.String() != "hello" {
		t.Errorf("text = %q", text.String())
	}
}

func newTestOpenAIProvider(t *testing.T, baseURL string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(OpenAIConfig{
		Name:    "openai",
		APIKey:  "test-key",
		BaseURL: baseURL,
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}
