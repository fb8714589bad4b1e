package models

import "time"

// Session is a conversation scope: an ordered message history plus optional
// per-session overrides and usage accounting. Message history itself lives in
// the session store; the struct carries only session-level state.
type Session struct {
	ID string `json:"id"`

	// ModelOverride, when set, replaces the configured default model for
	// every call made on behalf of this session.
	ModelOverride string `json:"model_override,omitempty"`

	// Usage accumulates token counts across all calls in the session.
	Usage Usage `json:"usage"`

	// CostUSD accumulates the metered cost of the session's calls.
	CostUSD float64 `json:"cost_usd"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
