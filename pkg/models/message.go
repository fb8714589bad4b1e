package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry in a conversation history.
//
// Assistant messages may carry ToolCalls alongside (or instead of) text
// content. Tool messages carry the ToolResults answering an earlier
// assistant turn's calls. Provider adapters re-shape these fields into
// whatever block structure their wire format requires; the stored history
// always uses this neutral form.
type Message struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Role      Role   `json:"role"`
	Content   string `json:"content"`

	// ToolCalls are tool invocations requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResults answer earlier tool calls, linked by ToolCallID.
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// Attachments carry images or other media referenced by the message.
	Attachments []Attachment `json:"attachments,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}

// ToolCall is a provider-neutral tool invocation request.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing a tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Attachment references media attached to a message. URL may be a data: URI
// carrying base64 content inline.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
}

// Clone returns a deep copy of the message. Sanitizers and the overflow
// recovery pass operate on clones so the stored history is never mutated.
func (m *Message) Clone() *Message {
	c := *m
	if m.ToolCalls != nil {
		c.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			c.ToolCalls[i] = tc
			if tc.Input != nil {
				c.ToolCalls[i].Input = append(json.RawMessage(nil), tc.Input...)
			}
		}
	}
	if m.ToolResults != nil {
		c.ToolResults = append([]ToolResult(nil), m.ToolResults...)
	}
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return &c
}

// IsEmpty reports whether the message carries no content at all.
func (m *Message) IsEmpty() bool {
	return m.Content == "" && len(m.ToolCalls) == 0 &&
		len(m.ToolResults) == 0 && len(m.Attachments) == 0
}

// Usage records token consumption for a single provider call.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens,omitempty"`
	CacheReadTokens     int `json:"cache_read_tokens,omitempty"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheCreationTokens += other.CacheCreationTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}
