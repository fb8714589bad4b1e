// Package providers contains the LLM provider adapters. Each adapter
// translates the unified completion contract into one provider's wire
// format, in both non-streaming and streaming modes, and normalizes errors
// into the engine's classification.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// thinkingBudgets maps a thinking level to the Anthropic thinking token
// budget. MaxTokens is raised to budget + thinkingHeadroom when the
// caller's budget would not leave room for the visible response.
var thinkingBudgets = map[agent.ThinkingLevel]int64{
	agent.ThinkingLow:    4000,
	agent.ThinkingMedium: 10000,
	agent.ThinkingHigh:   16000,
	agent.ThinkingXHigh:  32000,
}

const thinkingHeadroom = 4000

// maxEmptyStreamEvents guards against malformed streams that emit events
// without ever producing content or terminating.
const maxEmptyStreamEvents = 300

const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicProvider adapts the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	logger       *observability.Logger
}

// AnthropicConfig configures NewAnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Logger       *observability.Logger
}

// NewAnthropicProvider builds the adapter. The API key is required.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger,
	}, nil
}

// Name implements agent.LLMProvider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete performs a non-streaming call.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResult, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.wrapError(err, req.Model)
	}

	result := &agent.CompletionResult{
		Model: agent.QualifyModel(p.Name(), p.model(req.Model)),
		Usage: models.Usage{
			InputTokens:         int(message.Usage.InputTokens),
			OutputTokens:        int(message.Usage.OutputTokens),
			CacheCreationTokens: int(message.Usage.CacheCreationInputTokens),
			CacheReadTokens:     int(message.Usage.CacheReadInputTokens),
		},
	}
	var text strings.Builder
	for _, block := range message.Content {
		switch block := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(block.Text)
		case anthropic.ToolUseBlock:
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: append(json.RawMessage(nil), block.Input...),
			})
		}
	}
	result.Content = text.String()
	return result, nil
}

// Stream performs a streaming call. Chunks follow the unified event shape:
// text deltas, thinking deltas, tool-call start/complete, then Done with
// usage.
func (p *AnthropicProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		p.processStream(stream, chunks, req.Model)
	}()
	return chunks, nil
}

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	var usage models.Usage
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)
			usage.CacheCreationTokens = int(start.Message.Usage.CacheCreationInputTokens)
			usage.CacheReadTokens = int(start.Message.Usage.CacheReadInputTokens)
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				chunks <- &agent.CompletionChunk{
					ToolCallStart: &agent.ToolCallStart{ID: toolUse.ID, Name: toolUse.Name},
				}
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- &agent.CompletionChunk{Thinking: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					chunks <- &agent.CompletionChunk{ToolCallDelta: delta.PartialJSON}
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				input := currentToolInput.String()
				if input == "" {
					input = "{}"
				}
				currentToolCall.Input = json.RawMessage(input)
				chunks <- &agent.CompletionChunk{ToolCall: currentToolCall}
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{
				Done:  true,
				Usage: usage,
				Model: agent.QualifyModel(p.Name(), p.model(model)),
			}
			return
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			chunks <- &agent.CompletionChunk{
				Error: agent.NewProviderError(p.Name(), model, errors.New("malformed stream: too many empty events")).
					WithKind(agent.ErrKindSchema),
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
		return
	}
	// Stream ended without message_stop; report what was accumulated.
	chunks <- &agent.CompletionChunk{
		Done:  true,
		Usage: usage,
		Model: agent.QualifyModel(p.Name(), p.model(model)),
	}
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.maxTokens(req)),
	}

	params.System = systemBlocks(req.System)

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	if budget, ok := thinkingBudgets[req.Thinking]; ok {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		// Temperature must be omitted when thinking is enabled.
	} else if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	return params, nil
}

// systemBlocks renders the system prompt as ephemeral-cached text blocks:
// the static block caches across sessions, the dynamic one across turns of
// the same session.
func systemBlocks(sys agent.SystemPrompt) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam
	if sys.Static != "" {
		blocks = append(blocks, anthropic.TextBlockParam{
			Text:         sys.Static,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		})
	}
	if sys.Dynamic != "" {
		blocks = append(blocks, anthropic.TextBlockParam{
			Text:         sys.Dynamic,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		})
	}
	return blocks
}

// maxTokens resolves the response budget, honoring the thinking headroom
// rule: max_tokens must exceed the thinking budget with room to answer.
func (p *AnthropicProvider) maxTokens(req *agent.CompletionRequest) int {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if budget, ok := thinkingBudgets[req.Thinking]; ok {
		if floor := int(budget) + thinkingHeadroom; maxTokens < floor {
			maxTokens = floor
		}
	}
	return maxTokens
}

func (p *AnthropicProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

// convertMessages maps the neutral history into Anthropic content blocks.
// System messages are skipped (they travel in params.System); tool-role
// messages become user messages carrying tool_result blocks.
func (p *AnthropicProvider) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, att := range msg.Attachments {
			if block := imageBlock(att); block != nil {
				content = append(content, *block)
			}
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid input for tool call %s: %w", tc.ID, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func imageBlock(att models.Attachment) *anthropic.ContentBlockParamUnion {
	mediaType, data, ok := parseDataURL(att.URL)
	if !ok {
		return nil
	}
	block := anthropic.NewImageBlockBase64(mediaType, data)
	return &block
}

// convertTools maps tool schemas into Anthropic's input_schema form. The
// last tool is tagged for ephemeral caching: tools are sent in a stable
// order, so caching through the final schema covers the whole block.
func (p *AnthropicProvider) convertTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", tool.Name(), err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s", tool.Name())
		}
		param.OfTool.Description = anthropic.String(tool.Description())
		result = append(result, param)
	}
	if len(result) > 0 && result[len(result)-1].OfTool != nil {
		result[len(result)-1].OfTool.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var existing *agent.ProviderError
	if errors.As(err, &existing) {
		return existing
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := agent.NewProviderError(p.Name(), p.model(model), err).WithStatus(apiErr.StatusCode)

		message := ""
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil && payload.Error.Message != "" {
				message = payload.Error.Message
				pe = pe.WithMessage(p.logger.Redact(message))
			}
		}
		if strings.Contains(strings.ToLower(message), "prompt is too long") {
			pe = pe.WithKind(agent.ErrKindOverflow)
		}
		if apiErr.Response != nil {
			pe = pe.WithRetryAfter(parseRetryAfter(apiErr.Response))
		}
		return pe
	}

	return agent.Classify(p.Name(), p.model(model), err)
}

// parseRetryAfter reads a Retry-After header as either seconds or an HTTP
// date, bounded upstream by the retry policy.
func parseRetryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// CountTokens estimates the request's input footprint at roughly four
// characters per token.
func (p *AnthropicProvider) CountTokens(req *agent.CompletionRequest) int {
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
