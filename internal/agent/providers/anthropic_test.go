package providers

import (
	"net/http"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/pkg/models"
)

func newTestAnthropicProvider(t *testing.T) *AnthropicProvider {
	t.Helper()
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestMaxTokensThinkingFloor(t *testing.T) {
	p := newTestAnthropicProvider(t)
	tests := []struct {
		name      string
		maxTokens int
		thinking  agent.ThinkingLevel
		want      int
	}{
		{"default", 0, agent.ThinkingOff, 4096},
		{"explicit", 2000, agent.ThinkingOff, 2000},
		{"low raises to budget plus headroom", 2000, agent.ThinkingLow, 8000},
		{"medium", 2000, agent.ThinkingMedium, 14000},
		{"high", 2000, agent.ThinkingHigh, 20000},
		{"xhigh", 2000, agent.ThinkingXHigh, 36000},
		{"large budget kept", 50000, agent.ThinkingXHigh, 50000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &agent.CompletionRequest{MaxTokens: tt.maxTokens, Thinking: tt.thinking}
			if got := p.maxTokens(req); got != tt.want {
				t.Errorf("maxTokens = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSystemBlocks(t *testing.T) {
	blocks := systemBlocks(agent.SystemPrompt{Static: "persona", Dynamic: "today is tuesday"})
	if len(blocks) != 2 {
		t.Fatalf("len = %d, want 2", len(blocks))
	}
	if blocks[0].Text != "persona" || blocks[1].Text != "today is tuesday" {
		t.Error("block order must be static then dynamic")
	}
	for i, b := range blocks {
		if b.CacheControl.Type != "ephemeral" {
			t.Errorf("block %d missing ephemeral cache control", i)
		}
	}

	if got := systemBlocks(agent.SystemPrompt{}); got != nil {
		t.Errorf("empty prompt produced %d blocks", len(got))
	}
}

func TestConvertMessagesAnthropic(t *testing.T) {
	p := newTestAnthropicProvider(t)
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "skipped"},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "t1", Name: "search", Input: []byte(`{"q":"x"}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "t1", Content: "result", IsError: false},
		}},
	}

	out, err := p.convertMessages(msgs)
	if err != nil {
		t.Fatal(err)
	}
	// system skipped; tool-role message becomes a user message.
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	if out[1].Role != "assistant" {
		t.Errorf("tool-call message role = %q", out[1].Role)
	}
	if out[2].Role != "user" {
		t.Errorf("tool-result message role = %q, want user", out[2].Role)
	}
}

func TestConvertMessagesRejectsMalformedInput(t *testing.T) {
	p := newTestAnthropicProvider(t)
	_, err := p.convertMessages([]models.Message{
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "t1", Name: "search", Input: []byte(`not json`)},
		}},
	})
	if err == nil {
		t.Fatal("malformed tool input accepted")
	}
}

func TestParseRetryAfter(t *testing.T) {
	mkResp := func(v string) *http.Response {
		h := http.Header{}
		if v != "" {
			h.Set("Retry-After", v)
		}
		return &http.Response{Header: h}
	}

	if got := parseRetryAfter(mkResp("")); got != 0 {
		t.Errorf("missing header = %v, want 0", got)
	}
	if got := parseRetryAfter(mkResp("7")); got != 7*time.Second {
		t.Errorf("seconds form = %v, want 7s", got)
	}
	if got := parseRetryAfter(mkResp("garbage")); got != 0 {
		t.Errorf("garbage = %v, want 0", got)
	}
	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(mkResp(future)); got <= 0 || got > 31*time.Second {
		t.Errorf("http-date form = %v", got)
	}
}

func TestParseDataURL(t *testing.T) {
	tests := []struct {
		url      string
		wantType string
		wantData string
		wantOK   bool
	}{
		{"data:image/png;base64,aGVsbG8=", "image/png", "aGVsbG8=", true},
		{"data:;base64,aGVsbG8=", "image/jpeg", "aGVsbG8=", true},
		{"data:image/png,plain", "", "", false},
		{"https://example.com/a.png", "", "", false},
	}
	for _, tt := range tests {
		mediaType, data, ok := parseDataURL(tt.url)
		if ok != tt.wantOK || mediaType != tt.wantType || data != tt.wantData {
			t.Errorf("parseDataURL(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.url, mediaType, data, ok, tt.wantType, tt.wantData, tt.wantOK)
		}
	}
}
