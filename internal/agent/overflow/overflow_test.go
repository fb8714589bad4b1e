package overflow

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/pkg/models"
)

func pairHistory(system string, pairs int, charsPerTurn int) []models.Message {
	msgs := []models.Message{{Role: models.RoleSystem, Content: system}}
	turn := strings.Repeat("x", charsPerTurn)
	for i := 0; i < pairs; i++ {
		msgs = append(msgs,
			models.Message{Role: models.RoleUser, Content: turn},
			models.Message{Role: models.RoleAssistant, Content: turn},
		)
	}
	return msgs
}

func TestRecoverStageANoop(t *testing.T) {
	msgs := pairHistory("sys", 2, 40)
	out, stats, err := Recover(msgs, 10_000, 8)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Stage != StageA || stats.PairsDropped != 0 {
		t.Errorf("stats = %+v, want stage A with no drops", stats)
	}
	if len(out) != len(msgs) {
		t.Errorf("stage A changed the history")
	}
}

func TestRecoverStageB(t *testing.T) {
	// 20 pairs of ~800 chars (400 per turn), 400-char system: ~4100 tokens
	// against a 2000 window.
	msgs := pairHistory(strings.Repeat("s", 400), 20, 400)

	out, stats, err := Recover(msgs, 2000, 8)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Stage != StageB {
		t.Fatalf("stage = %v, want B", stats.Stage)
	}
	if stats.PairsDropped < 1 {
		t.Error("no pairs dropped")
	}
	if stats.TokensAfter > 1700 {
		t.Errorf("TokensAfter = %d, want <= 0.85 * 2000", stats.TokensAfter)
	}

	systemCount := 0
	for _, m := range out {
		if m.Role == models.RoleSystem {
			systemCount++
		}
	}
	if systemCount != 1 {
		t.Errorf("system message count = %d, want exactly 1", systemCount)
	}
	// Input untouched.
	if len(msgs) != 41 {
		t.Error("Recover mutated its input")
	}
}

func TestRecoverStageBKeepsTrailingPairs(t *testing.T) {
	msgs := pairHistory("sys", 20, 400)
	msgs[len(msgs)-1].Content = "final answer"

	out, _, err := Recover(msgs, 2000, 8)
	if err != nil {
		t.Fatal(err)
	}
	// The last 8 pairs (16 messages) plus the system message remain.
	if len(out) < 17 {
		t.Errorf("len = %d, trailing pairs were not preserved", len(out))
	}
	if out[len(out)-1].Content != "final answer" {
		t.Error("most recent turn was dropped")
	}
}

func TestRecoverStageC(t *testing.T) {
	// Window tight enough that stage B's 85% target is unreachable while
	// the trailing pairs are protected, but the stage C tail still fits:
	// each pair estimates to 200 tokens, so two kept pairs are ~401 tokens
	// against a 450 window with a 382 stage B target.
	msgs := pairHistory("sys", 20, 400)

	out, stats, err := Recover(msgs, 450, 2)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Stage != StageC {
		t.Fatalf("stage = %v, want C (stats %+v)", stats.Stage, stats)
	}
	// system + 2 pairs
	if len(out) != 5 {
		t.Errorf("len = %d, want 5", len(out))
	}
	if out[0].Role != models.RoleSystem {
		t.Error("system message lost in stage C")
	}
}

func TestRecoverWindowTooSmall(t *testing.T) {
	msgs := pairHistory("sys", 10, 4000)
	_, _, err := Recover(msgs, 100, 8)
	if !errors.Is(err, ErrWindowTooSmall) {
		t.Errorf("err = %v, want ErrWindowTooSmall", err)
	}
}

func TestRecoverStripsOrphansAfterDrop(t *testing.T) {
	// The tool call lives in the oldest pair; a stray result for it sits in
	// the newest pair. Dropping the oldest pair orphans the result, and the
	// post-drop orphan pass must remove it.
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: "sys"},
		{Role: models.RoleUser, Content: strings.Repeat("x", 400)},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "old", Name: "search", Input: json.RawMessage(`{"q":"x"}`)},
		}},
	}
	for i := 0; i < 3; i++ {
		msgs = append(msgs,
			models.Message{Role: models.RoleUser, Content: "u"},
			models.Message{Role: models.RoleAssistant, Content: "a"},
		)
	}
	msgs = append(msgs,
		models.Message{Role: models.RoleUser, Content: "latest"},
		models.Message{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "old", Content: "stale"},
		}},
		models.Message{Role: models.RoleAssistant, Content: "done"},
	)

	out, stats, err := Recover(msgs, 50, 4)
	if err != nil {
		t.Fatal(err)
	}
	if stats.PairsDropped == 0 {
		t.Fatal("expected drops")
	}
	for _, m := range out {
		for _, tr := range m.ToolResults {
			if tr.ToolCallID == "old" {
				t.Error("orphan tool result survived recovery")
			}
		}
	}
}

func TestEstimateTokensCJK(t *testing.T) {
	ascii := models.Message{Role: models.RoleUser, Content: strings.Repeat("a", 400)}
	korean := models.Message{Role: models.RoleUser, Content: strings.Repeat("안", 400)}

	if got := EstimateMessageTokens(ascii); got != 100 {
		t.Errorf("ascii estimate = %d, want 100", got)
	}
	if got := EstimateMessageTokens(korean); got != 200 {
		t.Errorf("korean estimate = %d, want 200", got)
	}
}

func TestEstimateTokensIncludesToolPayloads(t *testing.T) {
	m := models.Message{
		Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{
			{ID: "a", Name: "calc", Input: json.RawMessage(`{"expr":"2+2"}`)},
		},
	}
	if EstimateMessageTokens(m) == 0 {
		t.Error("tool call payload not counted")
	}
}
