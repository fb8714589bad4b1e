package agent

import (
	"sort"
	"strings"
)

// Intent is the coarse category the classifier assigns to a user turn.
type Intent string

const (
	IntentChat     Intent = "chat"
	IntentMemory   Intent = "memory"
	IntentCreative Intent = "creative"
	IntentCode     Intent = "code"
	IntentSearch   Intent = "search"
	IntentAnalysis Intent = "analysis"
	IntentMedia    Intent = "media"
)

// Classification is the classifier's verdict for one turn: which tools to
// offer, how many output tokens to budget, and the thinking level.
type Classification struct {
	Intent    Intent
	Tools     []string
	MaxTokens int
	Thinking  ThinkingLevel
}

// Classifier is a deterministic rules-based intent classifier. Chat-like
// turns carry no tool schemas at all; tool-bearing intents get a bounded
// subset, and keyword triggers inject extra tools on top. No model call is
// ever made to classify.
type Classifier struct {
	budgets   map[Intent]int
	detailMax int

	codeTools     []string
	searchTools   []string
	analysisTools []string
	mediaTools    []string
	keywordTools  map[string][]string
}

// ClassifierConfig wires a Classifier. Zero-valued fields fall back to the
// built-in defaults.
type ClassifierConfig struct {
	// Budgets maps intent name to output token budget.
	Budgets map[string]int

	// DetailMaxTokens replaces the budget when a detail phrase matches.
	DetailMaxTokens int

	// Tool name sets per tool-bearing intent. Bounds are enforced at
	// classification time: code offers at most 15 tools, search and the
	// others at most 10.
	CodeTools     []string
	SearchTools   []string
	AnalysisTools []string
	MediaTools    []string

	// KeywordTools maps a trigger substring to tool names injected on top
	// of the intent-derived set. Nil falls back to the built-in trigger
	// table; an empty non-nil map disables injection.
	KeywordTools map[string][]string
}

const (
	maxCodeTools  = 15
	maxOtherTools = 10
)

// Stock trigger table. Injected names that no tool registers under are
// dropped at subset time, so entries for absent tools are harmless.
var defaultKeywordTools = map[string][]string{
	"weather":  {"weather"},
	"forecast": {"weather"},
	"날씨":       {"weather"},
	"remind":   {"reminder"},
	"리마인드":     {"reminder"},
	"timer":    {"timer"},
	"타이머":      {"timer"},
}

var defaultBudgets = map[Intent]int{
	IntentChat:     1024,
	IntentMemory:   1024,
	IntentCreative: 2048,
	IntentCode:     4096,
	IntentSearch:   2048,
	IntentAnalysis: 4096,
	IntentMedia:    2048,
}

// NewClassifier builds a Classifier.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	budgets := make(map[Intent]int, len(defaultBudgets))
	for intent, n := range defaultBudgets {
		budgets[intent] = n
	}
	for name, n := range cfg.Budgets {
		if n > 0 {
			budgets[Intent(name)] = n
		}
	}

	detailMax := cfg.DetailMaxTokens
	if detailMax <= 0 {
		detailMax = 4096
	}

	keywordTools := cfg.KeywordTools
	if keywordTools == nil {
		keywordTools = defaultKeywordTools
	}

	return &Classifier{
		budgets:       budgets,
		detailMax:     detailMax,
		codeTools:     bound(cfg.CodeTools, maxCodeTools),
		searchTools:   bound(cfg.SearchTools, maxOtherTools),
		analysisTools: bound(cfg.AnalysisTools, maxOtherTools),
		mediaTools:    bound(cfg.MediaTools, maxOtherTools),
		keywordTools:  keywordTools,
	}
}

func bound(names []string, n int) []string {
	if len(names) > n {
		return names[:n]
	}
	return names
}

// Intent keyword tables. Matching is case-insensitive substring; the first
// table that matches wins, in the order code, search, media, analysis,
// memory, creative.
var (
	codeMarkers = []string{
		"code", "function", "compile", "refactor", "stack trace", "debug",
		"script", "regex", "unit test", "implement", "코드", "구현", "버그",
	}
	searchMarkers = []string{
		"search", "look up", "latest news", "current price", "find out",
		"what happened", "검색", "찾아",
	}
	mediaMarkers = []string{
		"image", "picture", "photo", "draw", "screenshot", "그림", "사진",
	}
	analysisMarkers = []string{
		"analyze", "analyse", "compare", "pros and cons", "tradeoff",
		"evaluate", "분석", "비교",
	}
	memoryMarkers = []string{
		"remember", "recall", "what did i", "last time", "기억",
	}
	creativeMarkers = []string{
		"write a story", "write a poem", "poem", "lyrics", "brainstorm",
		"imagine", "소설", "시 써",
	}
	detailMarkers = []string{
		"in detail", "detailed", "thoroughly", "step by step",
		"자세히", "자세히 설명",
	}
)

// Classify inspects one user utterance. depth is the number of messages
// already in the session history; deep analysis turns get a higher
// thinking level since they tend to reference accumulated context.
func (c *Classifier) Classify(text string, depth int) Classification {
	lower := strings.ToLower(text)

	intent := IntentChat
	var tools []string
	switch {
	case matchAny(lower, codeMarkers):
		intent, tools = IntentCode, c.codeTools
	case matchAny(lower, searchMarkers):
		intent, tools = IntentSearch, c.searchTools
	case matchAny(lower, mediaMarkers):
		intent, tools = IntentMedia, c.mediaTools
	case matchAny(lower, analysisMarkers):
		intent, tools = IntentAnalysis, c.analysisTools
	case matchAny(lower, memoryMarkers):
		intent = IntentMemory
	case matchAny(lower, creativeMarkers):
		intent = IntentCreative
	}

	// Keyword triggers inject tools even into otherwise tool-free turns.
	// Triggers are visited in sorted order so the output is deterministic.
	injected := tools
	triggers := make([]string, 0, len(c.keywordTools))
	for trigger := range c.keywordTools {
		triggers = append(triggers, trigger)
	}
	sort.Strings(triggers)
	for _, trigger := range triggers {
		if strings.Contains(lower, strings.ToLower(trigger)) {
			injected = appendMissing(injected, c.keywordTools[trigger])
		}
	}

	out := Classification{
		Intent:    intent,
		Tools:     injected,
		MaxTokens: c.budgets[intent],
	}

	if matchAny(lower, detailMarkers) {
		out.MaxTokens = c.detailMax
		out.Thinking = ThinkingLow
	}
	if intent == IntentAnalysis {
		out.Thinking = ThinkingLow
		if depth >= 20 {
			out.Thinking = ThinkingMedium
		}
	}
	return out
}

func matchAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func appendMissing(dst []string, extra []string) []string {
	seen := make(map[string]bool, len(dst))
	for _, name := range dst {
		seen[name] = true
	}
	out := append([]string(nil), dst...)
	for _, name := range extra {
		if !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	return out
}
