// Package sanitize repairs conversation histories before they reach a
// provider adapter.
//
// Every pass is a pure function: the input slice is never mutated, and each
// pass is idempotent, so running a sanitizer over its own output changes
// nothing. The universal pass fixes structural damage any provider would
// reject (orphan tool results, empty assistant turns, tool calls without an
// input object); the per-provider passes add the reshaping that provider's
// wire format needs on top.
package sanitize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// Clean applies the universal repairs and returns a new message list:
//
//   - assistant messages whose only content is empty text are dropped
//   - tool calls lacking a JSON object input are dropped
//   - tool results whose id has no matching earlier tool call are dropped
//   - messages left with no content at all are dropped
func Clean(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	seenCalls := make(map[string]bool)

	for i := range msgs {
		m := msgs[i].Clone()

		if len(m.ToolCalls) > 0 {
			kept := m.ToolCalls[:0]
			for _, tc := range m.ToolCalls {
				if !isObject(tc.Input) {
					continue
				}
				kept = append(kept, tc)
			}
			m.ToolCalls = kept
		}

		if len(m.ToolResults) > 0 {
			kept := m.ToolResults[:0]
			for _, tr := range m.ToolResults {
				if !seenCalls[tr.ToolCallID] {
					continue
				}
				kept = append(kept, tr)
			}
			m.ToolResults = kept
		}

		if m.Role == models.RoleAssistant && m.IsEmpty() {
			continue
		}
		if m.IsEmpty() {
			continue
		}

		if m.Role == models.RoleAssistant {
			for _, tc := range m.ToolCalls {
				seenCalls[tc.ID] = true
			}
		}
		out = append(out, *m)
	}
	return out
}

// ForProvider cleans msgs and applies the target provider's shaping.
// Providers not otherwise known get the OpenAI-compatible treatment.
func ForProvider(provider string, msgs []models.Message) []models.Message {
	switch strings.ToLower(provider) {
	case "anthropic":
		return ForAnthropic(msgs)
	case "google", "gemini":
		return ForGoogle(msgs)
	default:
		return ForOpenAI(msgs)
	}
}

// ForAnthropic cleans msgs and merges consecutive plain-text user messages,
// since the Anthropic API expects alternating roles. Tool-result turns are
// left alone; the adapter groups them into user tool_result blocks itself.
func ForAnthropic(msgs []models.Message) []models.Message {
	return mergeConsecutiveUserText(Clean(msgs))
}

// ForGoogle cleans msgs, rewrites tool call ids into Gemini's alphanumeric
// alphabet with a stable mapping, merges consecutive plain-text user turns,
// and prepends a bootstrap user turn when the history would otherwise open
// with a model turn.
func ForGoogle(msgs []models.Message) []models.Message {
	out := remapToolIDs(mergeConsecutiveUserText(Clean(msgs)))

	for _, m := range out {
		if m.Role == models.RoleSystem {
			continue
		}
		if m.Role == models.RoleAssistant {
			bootstrap := models.Message{Role: models.RoleUser, Content: "(continue)"}
			rest := out
			out = make([]models.Message, 0, len(rest)+1)
			insertAt := 0
			for rest[insertAt].Role == models.RoleSystem {
				insertAt++
			}
			out = append(out, rest[:insertAt]...)
			out = append(out, bootstrap)
			out = append(out, rest[insertAt:]...)
		}
		break
	}
	return out
}

// ForOpenAI cleans msgs. The chat-completions format tolerates everything
// else the unified shape can express; flattening to wire messages happens
// in the adapter.
func ForOpenAI(msgs []models.Message) []models.Message {
	return Clean(msgs)
}

// mergeConsecutiveUserText joins adjacent user messages that carry only
// text. Messages with tool results or attachments are never merged.
func mergeConsecutiveUserText(msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i]
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if mergeableUserText(*prev) && mergeableUserText(m) {
				prev.Content = prev.Content + "\n\n" + m.Content
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

func mergeableUserText(m models.Message) bool {
	return m.Role == models.RoleUser &&
		m.Content != "" &&
		len(m.ToolResults) == 0 &&
		len(m.Attachments) == 0
}

// remapToolIDs rewrites every tool call id (and its referencing results)
// into a purely alphanumeric id. Already-clean ids pass through; stripped
// ids that collide get a deterministic positional suffix.
func remapToolIDs(msgs []models.Message) []models.Message {
	remap := make(map[string]string)
	used := make(map[string]bool)

	mapped := func(id string) string {
		if to, ok := remap[id]; ok {
			return to
		}
		to := stripNonAlnum(id)
		if to == "" {
			to = fmt.Sprintf("call%d", len(remap))
		}
		for n := len(remap); used[to]; n++ {
			to = fmt.Sprintf("%s%d", stripNonAlnum(id), n)
		}
		remap[id] = to
		used[to] = true
		return to
	}

	out := make([]models.Message, 0, len(msgs))
	for i := range msgs {
		m := msgs[i].Clone()
		for j := range m.ToolCalls {
			m.ToolCalls[j].ID = mapped(m.ToolCalls[j].ID)
		}
		for j := range m.ToolResults {
			m.ToolResults[j].ToolCallID = mapped(m.ToolResults[j].ToolCallID)
		}
		out = append(out, *m)
	}
	return out
}

func stripNonAlnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// isObject reports whether raw is a JSON object.
func isObject(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	var obj map[string]any
	return json.Unmarshal(raw, &obj) == nil
}
