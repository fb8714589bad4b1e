// Package overflow implements staged context-window recovery.
//
// When a provider rejects a call for exceeding its context window (or a
// proactive budget check trips), the history is pruned in stages: stage A
// is a no-op when the estimate already fits, stage B drops the oldest
// user/assistant turn pairs until the estimate drops below 85% of the
// window, and stage C keeps only the system messages and the most recent
// pairs. Stages B and C re-run the orphan pass so no tool result references
// a dropped tool call, and the system message always survives.
package overflow

import (
	"errors"
	"unicode"

	"github.com/haasonsaas/relay/internal/agent/sanitize"
	"github.com/haasonsaas/relay/pkg/models"
)

// Stage identifies how deep recovery had to go.
type Stage string

const (
	// StageA means the history already fit; nothing was dropped.
	StageA Stage = "A"

	// StageB means oldest pairs were dropped until the target held.
	StageB Stage = "B"

	// StageC means only the system messages and the trailing pairs
	// survived.
	StageC Stage = "C"
)

// ErrWindowTooSmall means even the stage C tail exceeds the window; the
// caller cannot proceed without a bigger window or a shorter tail.
var ErrWindowTooSmall = errors.New("retained history exceeds the context window")

// Stats describes what recovery did.
type Stats struct {
	Stage        Stage
	PairsDropped int
	TokensAfter  int
}

// stageBTarget is the fraction of the window stage B prunes toward,
// leaving headroom for the response and estimation error.
const stageBTarget = 0.85

// Recover prunes msgs to fit window tokens. keepPairs is the number of
// trailing turn pairs that are never dropped. The input is not mutated.
func Recover(msgs []models.Message, window, keepPairs int) ([]models.Message, Stats, error) {
	if keepPairs < 1 {
		keepPairs = 8
	}

	estimate := EstimateTokens(msgs)
	if window <= 0 || estimate <= window {
		return msgs, Stats{Stage: StageA, TokensAfter: estimate}, nil
	}

	system, pairs := split(msgs)
	target := int(float64(window) * stageBTarget)

	// Stage B: drop from the front, never into the trailing keepPairs.
	dropped := 0
	for len(pairs) > keepPairs {
		candidate := assemble(system, pairs[1:])
		pairs = pairs[1:]
		dropped++
		if EstimateTokens(candidate) <= target {
			break
		}
	}
	if dropped > 0 {
		result := sanitize.Clean(assemble(system, pairs))
		after := EstimateTokens(result)
		if after <= target {
			return result, Stats{Stage: StageB, PairsDropped: dropped, TokensAfter: after}, nil
		}
	}

	// Stage C: system plus the trailing keepPairs only.
	if len(pairs) > keepPairs {
		dropped += len(pairs) - keepPairs
		pairs = pairs[len(pairs)-keepPairs:]
	}
	result := sanitize.Clean(assemble(system, pairs))
	after := EstimateTokens(result)
	stats := Stats{Stage: StageC, PairsDropped: dropped, TokensAfter: after}
	if after > window {
		return nil, stats, ErrWindowTooSmall
	}
	return result, stats, nil
}

// pair is one conversational unit: a genuine user turn plus everything up
// to the next one (assistant turns, tool turns).
type pair []models.Message

// split separates leading-or-anywhere system messages from turn pairs. A
// new pair starts at each user message that carries no tool results.
func split(msgs []models.Message) ([]models.Message, []pair) {
	var system []models.Message
	var pairs []pair

	for i := range msgs {
		m := msgs[i]
		if m.Role == models.RoleSystem {
			system = append(system, m)
			continue
		}
		startsPair := m.Role == models.RoleUser && len(m.ToolResults) == 0
		if startsPair || len(pairs) == 0 {
			pairs = append(pairs, pair{m})
			continue
		}
		pairs[len(pairs)-1] = append(pairs[len(pairs)-1], m)
	}
	return system, pairs
}

func assemble(system []models.Message, pairs []pair) []models.Message {
	out := make([]models.Message, 0, len(system)+len(pairs)*2)
	out = append(out, system...)
	for _, p := range pairs {
		out = append(out, p...)
	}
	return out
}

// EstimateTokens estimates the token footprint of a history. Each message
// bills its text at roughly four characters per token, or two for
// CJK-heavy text, where multibyte scripts pack more information per
// character.
func EstimateTokens(msgs []models.Message) int {
	total := 0
	for i := range msgs {
		total += EstimateMessageTokens(msgs[i])
	}
	return total
}

// EstimateMessageTokens estimates one message, including tool call inputs
// and tool result payloads.
func EstimateMessageTokens(m models.Message) int {
	runes, cjk := countRunes(m.Content)
	for _, tc := range m.ToolCalls {
		r, c := countRunes(tc.Name + string(tc.Input))
		runes, cjk = runes+r, cjk+c
	}
	for _, tr := range m.ToolResults {
		r, c := countRunes(tr.Content)
		runes, cjk = runes+r, cjk+c
	}

	perToken := 4
	if runes > 0 && cjk*3 >= runes {
		perToken = 2
	}
	return (runes + perToken - 1) / perToken
}

func countRunes(s string) (total, cjk int) {
	for _, r := range s {
		total++
		if isCJK(r) {
			cjk++
		}
	}
	return total, cjk
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hangul, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r)
}
