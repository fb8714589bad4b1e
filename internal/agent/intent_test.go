package agent

import (
	"reflect"
	"testing"
)

func testClassifier() *Classifier {
	return NewClassifier(ClassifierConfig{
		CodeTools:   []string{"fs_read", "fs_write", "shell", "diff", "py_eval"},
		SearchTools: []string{"web_search", "web_fetch"},
		MediaTools:  []string{"image_gen"},
		KeywordTools: map[string][]string{
			"weather": {"weather"},
			"날씨":      {"weather"},
		},
	})
}

func TestClassifyIntents(t *testing.T) {
	c := testClassifier()
	tests := []struct {
		text      string
		intent    Intent
		wantTools bool
	}{
		{"hey, how's it going?", IntentChat, false},
		{"can you refactor this function for me", IntentCode, true},
		{"search for the latest news on fusion", IntentSearch, true},
		{"draw me a picture of a lighthouse", IntentMedia, true},
		{"compare these two databases", IntentAnalysis, false},
		{"do you remember what we discussed?", IntentMemory, false},
		{"write a poem about autumn", IntentCreative, false},
		{"이 코드 좀 봐줘", IntentCode, true},
	}
	for _, tt := range tests {
		got := c.Classify(tt.text, 0)
		if got.Intent != tt.intent {
			t.Errorf("Classify(%q).Intent = %q, want %q", tt.text, got.Intent, tt.intent)
		}
		if (len(got.Tools) > 0) != tt.wantTools {
			t.Errorf("Classify(%q).Tools = %v, wantTools = %v", tt.text, got.Tools, tt.wantTools)
		}
	}
}

// Chat-like turns must not carry tool schemas at all.
func TestClassifyChatCarriesNoTools(t *testing.T) {
	c := testClassifier()
	for _, text := range []string{"hello", "thanks!", "good morning"} {
		if got := c.Classify(text, 0); len(got.Tools) != 0 {
			t.Errorf("Classify(%q) offered tools %v", text, got.Tools)
		}
	}
}

func TestClassifyKeywordInjection(t *testing.T) {
	c := testClassifier()

	got := c.Classify("what's the weather like today?", 0)
	if got.Intent != IntentChat {
		t.Errorf("intent = %q, want chat", got.Intent)
	}
	if !reflect.DeepEqual(got.Tools, []string{"weather"}) {
		t.Errorf("tools = %v, want [weather]", got.Tools)
	}

	// Korean trigger injects the same tool.
	got = c.Classify("오늘 날씨 어때?", 0)
	if !reflect.DeepEqual(got.Tools, []string{"weather"}) {
		t.Errorf("korean trigger tools = %v", got.Tools)
	}

	// Injection stacks on top of an intent-derived set without duplicates.
	got = c.Classify("search for weather forecasting models", 0)
	if !reflect.DeepEqual(got.Tools, []string{"web_search", "web_fetch", "weather"}) {
		t.Errorf("stacked tools = %v", got.Tools)
	}
}

func TestClassifyDefaultKeywordTable(t *testing.T) {
	c := NewClassifier(ClassifierConfig{})

	got := c.Classify("what's the weather in Paris?", 0)
	if !reflect.DeepEqual(got.Tools, []string{"weather"}) {
		t.Errorf("tools = %v, want [weather]", got.Tools)
	}
	got = c.Classify("오늘 날씨 알려줘", 0)
	if !reflect.DeepEqual(got.Tools, []string{"weather"}) {
		t.Errorf("korean trigger tools = %v", got.Tools)
	}

	// An explicit table replaces the defaults outright.
	c = NewClassifier(ClassifierConfig{KeywordTools: map[string][]string{"stock": {"stocks"}}})
	if got := c.Classify("what's the weather?", 0); len(got.Tools) != 0 {
		t.Errorf("replaced table still injects %v", got.Tools)
	}
}

func TestClassifyDetailPhrase(t *testing.T) {
	c := testClassifier()

	base := c.Classify("how do solar panels work?", 0)
	if base.MaxTokens != 1024 {
		t.Fatalf("chat budget = %d, want 1024", base.MaxTokens)
	}

	detail := c.Classify("explain how solar panels work in detail", 0)
	if detail.MaxTokens != 4096 {
		t.Errorf("detail budget = %d, want 4096", detail.MaxTokens)
	}

	korean := c.Classify("태양광 패널 원리 자세히 설명해줘", 0)
	if korean.MaxTokens != 4096 {
		t.Errorf("korean detail budget = %d, want 4096", korean.MaxTokens)
	}
}

func TestClassifyBudgets(t *testing.T) {
	c := NewClassifier(ClassifierConfig{
		Budgets: map[string]int{"code": 8192},
	})
	if got := c.Classify("fix this bug in my code", 0).MaxTokens; got != 8192 {
		t.Errorf("overridden code budget = %d, want 8192", got)
	}
	if got := c.Classify("hello", 0).MaxTokens; got != 1024 {
		t.Errorf("default chat budget = %d, want 1024", got)
	}
}

func TestClassifyToolBounds(t *testing.T) {
	many := make([]string, 30)
	for i := range many {
		many[i] = string(rune('a' + i%26))
	}
	c := NewClassifier(ClassifierConfig{CodeTools: many, SearchTools: many})

	if got := len(c.Classify("refactor my code", 0).Tools); got > 15 {
		t.Errorf("code tools = %d, want <= 15", got)
	}
	if got := len(c.Classify("search the web", 0).Tools); got > 10 {
		t.Errorf("search tools = %d, want <= 10", got)
	}
}

func TestClassifyAnalysisThinkingDepth(t *testing.T) {
	c := testClassifier()
	if got := c.Classify("compare the two options", 0).Thinking; got != ThinkingLow {
		t.Errorf("shallow analysis thinking = %q, want low", got)
	}
	if got := c.Classify("compare the two options", 25).Thinking; got != ThinkingMedium {
		t.Errorf("deep analysis thinking = %q, want medium", got)
	}
}
