package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

const defaultOpenAIModel = "gpt-5"

// OpenAIProvider adapts any OpenAI-compatible chat-completions endpoint:
// OpenAI itself, xAI, aggregators like OpenRouter, and local servers. The
// provider name is configurable so each endpoint registers separately.
//
// Models that reject /chat/completions with "not a chat model" are retried
// once against the /responses endpoint; a success memoizes the model id so
// later calls skip the failing round-trip, and a second failure blacklists
// the id and surfaces a failover-eligible error.
type OpenAIProvider struct {
	name         string
	client       *openai.Client
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
	logger       *observability.Logger

	// responsesOnly and blacklisted are concurrent sets of model ids.
	responsesOnly sync.Map
	blacklisted   sync.Map
}

// OpenAIConfig configures NewOpenAIProvider.
type OpenAIConfig struct {
	// Name is the provider id ("openai", "xai", "openrouter", "local").
	Name string

	APIKey string

	// BaseURL overrides the endpoint for compatible providers. Empty
	// means api.openai.com.
	BaseURL string

	DefaultModel string
	HTTPClient   *http.Client
	Logger       *observability.Logger
}

// NewOpenAIProvider builds the adapter.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 180 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	baseURL := "https://api.openai.com/v1"
	if strings.TrimSpace(cfg.BaseURL) != "" {
		baseURL = strings.TrimRight(cfg.BaseURL, "/")
		clientCfg.BaseURL = baseURL
	}
	clientCfg.HTTPClient = cfg.HTTPClient

	return &OpenAIProvider{
		name:         cfg.Name,
		client:       openai.NewClientWithConfig(clientCfg),
		httpClient:   cfg.HTTPClient,
		baseURL:      baseURL,
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger,
	}, nil
}

// Name implements agent.LLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

// Complete performs a non-streaming call.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResult, error) {
	model := p.model(req.Model)
	if _, ok := p.blacklisted.Load(model); ok {
		return nil, agent.NewProviderError(p.name, model, errors.New("model blacklisted after /responses failures")).
			WithKind(agent.ErrKindModelUnavailable)
	}
	if _, ok := p.responsesOnly.Load(model); ok {
		return p.completeViaResponses(ctx, req)
	}

	chatReq, err := p.buildChatRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		if isNotChatModel(err) {
			return p.fallbackToResponses(ctx, req)
		}
		return nil, p.wrapError(err, model)
	}
	if len(resp.Choices) == 0 {
		return nil, agent.NewProviderError(p.name, model, errors.New("response carried no choices")).
			WithKind(agent.ErrKindSchema)
	}

	choice := resp.Choices[0]
	result := &agent.CompletionResult{
		Content: choice.Message.Content,
		Model:   agent.QualifyModel(p.name, model),
		Usage: models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if details := resp.Usage.PromptTokensDetails; details != nil {
		result.Usage.CacheReadTokens = details.CachedTokens
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: normalizeArguments(tc.Function.Arguments),
		})
	}
	return result, nil
}

// Stream performs a streaming call. Responses-only models do not stream;
// their result is emitted as a single text chunk followed by Done.
func (p *OpenAIProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)
	if _, ok := p.responsesOnly.Load(model); ok {
		return p.streamViaComplete(ctx, req)
	}

	chatReq, err := p.buildChatRequest(req)
	if err != nil {
		return nil, err
	}
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		if isNotChatModel(err) {
			return p.streamViaComplete(ctx, req)
		}
		return nil, p.wrapError(err, model)
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()
		p.processStream(stream, chunks, model)
	}()
	return chunks, nil
}

func (p *OpenAIProvider) processStream(stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	// Tool calls arrive as indexed fragments; arguments accumulate until
	// the finish reason flushes them.
	pending := make(map[int]*models.ToolCall)
	order := []int{}
	started := make(map[int]bool)
	var usage models.Usage

	flush := func() {
		for _, idx := range order {
			tc := pending[idx]
			if tc == nil {
				continue
			}
			tc.Input = normalizeArguments(string(tc.Input))
			chunks <- &agent.CompletionChunk{ToolCall: tc}
		}
		pending = make(map[int]*models.ToolCall)
		order = order[:0]
	}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			flush()
			chunks <- &agent.CompletionChunk{
				Done:  true,
				Usage: usage,
				Model: agent.QualifyModel(p.name, model),
			}
			return
		}
		if err != nil {
			chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
			return
		}

		if resp.Usage != nil {
			usage.InputTokens = resp.Usage.PromptTokens
			usage.OutputTokens = resp.Usage.CompletionTokens
			if details := resp.Usage.PromptTokensDetails; details != nil {
				usage.CacheReadTokens = details.CachedTokens
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			entry, ok := pending[idx]
			if !ok {
				entry = &models.ToolCall{}
				pending[idx] = entry
				order = append(order, idx)
			}
			if tc.ID != "" {
				entry.ID = tc.ID
			}
			if tc.Function.Name != "" {
				entry.Name = tc.Function.Name
			}
			if !started[idx] && entry.ID != "" && entry.Name != "" {
				started[idx] = true
				chunks <- &agent.CompletionChunk{
					ToolCallStart: &agent.ToolCallStart{ID: entry.ID, Name: entry.Name},
				}
			}
			if tc.Function.Arguments != "" {
				entry.Input = append(entry.Input, []byte(tc.Function.Arguments)...)
				chunks <- &agent.CompletionChunk{ToolCallDelta: tc.Function.Arguments}
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

// streamViaComplete adapts a non-streaming result into the stream shape.
func (p *OpenAIProvider) streamViaComplete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	result, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	chunks := make(chan *agent.CompletionChunk, len(result.ToolCalls)+2)
	if result.Content != "" {
		chunks <- &agent.CompletionChunk{Text: result.Content}
	}
	for i := range result.ToolCalls {
		chunks <- &agent.CompletionChunk{ToolCall: &result.ToolCalls[i]}
	}
	chunks <- &agent.CompletionChunk{Done: true, Usage: result.Usage, Model: result.Model}
	close(chunks)
	return chunks, nil
}

func (p *OpenAIProvider) buildChatRequest(req *agent.CompletionRequest) (openai.ChatCompletionRequest, error) {
	model := p.model(req.Model)
	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(req),
	}

	if isReasoningModel(model) {
		// Reasoning models reject temperature and use max_completion_tokens.
		out.MaxCompletionTokens = req.MaxTokens
		if effort := reasoningEffort(req.Thinking); effort != "" {
			out.ReasoningEffort = effort
		}
	} else {
		out.MaxTokens = req.MaxTokens
		if req.Temperature != nil {
			out.Temperature = float32(*req.Temperature)
		}
	}

	if len(req.Tools) > 0 {
		tools, err := convertOpenAITools(req.Tools)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		out.Tools = tools
	}
	return out, nil
}

// convertMessages flattens the neutral history into chat-completions
// messages: the system prompt leads, assistant tool calls re-encode as the
// tool_calls array, and each tool result becomes its own role-"tool"
// message linked by ToolCallID.
func (p *OpenAIProvider) convertMessages(req *agent.CompletionRequest) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if sys := req.System.Joined(); sys != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: sys,
		})
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case models.RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, m)

		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default: // user
			if len(msg.Attachments) > 0 {
				out = append(out, p.visionMessage(msg))
				continue
			}
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			}
			// Tool results on a user message (Anthropic-shaped history)
			// still become role-"tool" messages.
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			if m.Content != "" {
				out = append(out, m)
			}
		}
	}
	return out
}

func (p *OpenAIProvider) visionMessage(msg models.Message) openai.ChatCompletionMessage {
	parts := []openai.ChatMessagePart{}
	if msg.Content != "" {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeText,
			Text: msg.Content,
		})
	}
	for _, att := range msg.Attachments {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: att.URL},
		})
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}

func convertOpenAITools(tools []agent.Tool) ([]openai.Tool, error) {
	var out []openai.Tool
	for _, tool := range tools {
		var params map[string]any
		if err := json.Unmarshal(tool.Schema(), &params); err != nil {
			return nil, fmt.Errorf("openai: invalid schema for tool %s: %w", tool.Name(), err)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  params,
			},
		})
	}
	return out, nil
}

// reasoningModelPrefixes identifies the model families that reject
// temperature and accept reasoning_effort.
var reasoningModelPrefixes = []string{"o1", "o3", "o4", "gpt-5"}

func isReasoningModel(model string) bool {
	model = strings.ToLower(model)
	for _, prefix := range reasoningModelPrefixes {
		if model == prefix || strings.HasPrefix(model, prefix+"-") || strings.HasPrefix(model, prefix+".") {
			return true
		}
	}
	return false
}

func reasoningEffort(level agent.ThinkingLevel) string {
	switch level {
	case agent.ThinkingLow:
		return "low"
	case agent.ThinkingMedium:
		return "medium"
	case agent.ThinkingHigh, agent.ThinkingXHigh:
		return "high"
	}
	return ""
}

// normalizeArguments guarantees tool-call arguments are a JSON object.
func normalizeArguments(args string) json.RawMessage {
	trimmed := strings.TrimSpace(args)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

func (p *OpenAIProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// isNotChatModel detects the 404 that marks a responses-only model.
func isNotChatModel(err error) bool {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.HTTPStatusCode == http.StatusNotFound &&
		strings.Contains(strings.ToLower(apiErr.Message), "not a chat model")
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var existing *agent.ProviderError
	if errors.As(err, &existing) {
		return existing
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := agent.NewProviderError(p.name, model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(p.logger.Redact(apiErr.Message))
		lower := strings.ToLower(apiErr.Message)
		if strings.Contains(lower, "maximum context") || strings.Contains(lower, "context_length_exceeded") {
			pe = pe.WithKind(agent.ErrKindOverflow)
		}
		return pe
	}
	return agent.Classify(p.name, model, err)
}

// CountTokens estimates the request's input footprint.
func (p *OpenAIProvider) CountTokens(req *agent.CompletionRequest) int {
	total := len(req.System.Joined()) / 4
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
		for _, tc := range msg.ToolCalls {
			total += (len(tc.Name) + len(tc.Input)) / 4
		}
		for _, tr := range msg.ToolResults {
			total += len(tr.Content) / 4
		}
	}
	for _, tool := range req.Tools {
		total += (len(tool.Name()) + len(tool.Description()) + len(tool.Schema())) / 4
	}
	return total
}

// markResponsesOnly records that model must use /responses. Exposed for
// tests.
func (p *OpenAIProvider) markResponsesOnly(model string) {
	p.responsesOnly.Store(model, true)
}

func (p *OpenAIProvider) isResponsesOnly(model string) bool {
	_, ok := p.responsesOnly.Load(model)
	return ok
}

// fallbackToResponses handles the first "not a chat model" 404: one
// attempt against /responses, memoizing on success and blacklisting on a
// second failure.
func (p *OpenAIProvider) fallbackToResponses(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResult, error) {
	model := p.model(req.Model)
	p.logger.Info(ctx, "retrying on responses endpoint", "provider", p.name, "model", model)

	result, err := p.completeViaResponses(ctx, req)
	if err != nil {
		p.blacklisted.Store(model, true)
		return nil, agent.Classify(p.name, model, err).WithKind(agent.ErrKindModelUnavailable)
	}
	p.responsesOnly.Store(model, true)
	return result, nil
}
