package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

const defaultGoogleModel = "gemini-2.5-pro"

// GoogleProvider adapts the Gemini API. Gemini has no tool-call ids of its
// own, so the adapter mints them; the sanitizer's id remapping keeps them
// consistent when a history started on another provider.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
	logger       *observability.Logger
}

// GoogleConfig configures NewGoogleProvider.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
	Logger       *observability.Logger
}

// NewGoogleProvider builds the adapter against the Gemini API backend.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultGoogleModel
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: cfg.DefaultModel,
		logger:       cfg.Logger,
	}, nil
}

// Name implements agent.LLMProvider.
func (p *GoogleProvider) Name() string { return "google" }

// Complete performs a non-streaming call.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResult, error) {
	model := p.model(req.Model)
	contents := p.convertMessages(req.Messages)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, p.buildConfig(req))
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	result := &agent.CompletionResult{
		Model: agent.QualifyModel("google", model),
		Usage: usageFromMetadata(resp.UsageMetadata),
	}
	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				result.ToolCalls = append(result.ToolCalls, toolCallFromFunction(part.FunctionCall))
			}
		}
	}
	result.Content = text.String()
	return result, nil
}

// Stream performs a streaming call.
func (p *GoogleProvider) Stream(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.model(req.Model)
	contents := p.convertMessages(req.Messages)
	config := p.buildConfig(req)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var usage models.Usage
		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			if ctx.Err() != nil {
				chunks <- &agent.CompletionChunk{Error: agent.Classify("google", model, ctx.Err())}
				return
			}
			if err != nil {
				chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				usage = usageFromMetadata(resp.UsageMetadata)
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					switch {
					case part == nil:
					case part.Thought && part.Text != "":
						chunks <- &agent.CompletionChunk{Thinking: part.Text}
					case part.Text != "":
						chunks <- &agent.CompletionChunk{Text: part.Text}
					case part.FunctionCall != nil:
						tc := toolCallFromFunction(part.FunctionCall)
						chunks <- &agent.CompletionChunk{
							ToolCallStart: &agent.ToolCallStart{ID: tc.ID, Name: tc.Name},
						}
						chunks <- &agent.CompletionChunk{ToolCall: &tc}
					}
				}
			}
		}

		chunks <- &agent.CompletionChunk{
			Done:  true,
			Usage: usage,
			Model: agent.QualifyModel("google", model),
		}
	}()
	return chunks, nil
}

func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if sys := req.System.Joined(); sys != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: sys}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Thinking != agent.ThinkingOff {
		if budget, ok := thinkingBudgets[req.Thinking]; ok {
			b := int32(min(budget, math.MaxInt32)) // #nosec G115
			config.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &b}
		}
	} else if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if len(req.Tools) > 0 {
		config.Tools = convertGoogleTools(req.Tools)
	}
	return config
}

// convertMessages maps the neutral history into Gemini contents. System
// messages are skipped (they ride in SystemInstruction), assistants become
// the "model" role, and tool results become function responses attributed
// back to the calling function's name.
func (p *GoogleProvider) convertMessages(messages []models.Message) []*genai.Content {
	callNames := map[string]string{}
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			callNames[tc.ID] = tc.Name
		}
	}

	var result []*genai.Content
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, att := range msg.Attachments {
			if part := convertGoogleAttachment(att); part != nil {
				content.Parts = append(content.Parts, part)
			}
		}
		for _, tc := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(tc.Input, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{"result": tr.Content, "error": tr.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     callNames[tr.ToolCallID],
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

func convertGoogleAttachment(att models.Attachment) *genai.Part {
	if mediaType, payload, ok := parseDataURL(att.URL); ok {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil
		}
		return &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: mediaType}}
	}
	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return &genai.Part{FileData: &genai.FileData{FileURI: att.URL, MIMEType: mimeType}}
}

func convertGoogleTools(tools []agent.Tool) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Schema(), &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  toGoogleSchema(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGoogleSchema converts a JSON Schema map into Gemini's schema type.
// Only the subset tool schemas actually use is mapped.
func toGoogleSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGoogleSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGoogleSchema(items)
	}
	return schema
}

func toolCallFromFunction(fc *genai.FunctionCall) models.ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil || len(args) == 0 || string(args) == "null" {
		args = []byte("{}")
	}
	return models.ToolCall{
		ID:    fmt.Sprintf("call_%s_%d", fc.Name, time.Now().UnixNano()),
		Name:  fc.Name,
		Input: args,
	}
}

func usageFromMetadata(md *genai.GenerateContentResponseUsageMetadata) models.Usage {
	if md == nil {
		return models.Usage{}
	}
	return models.Usage{
		InputTokens:     int(md.PromptTokenCount),
		OutputTokens:    int(md.CandidatesTokenCount) + int(md.ThoughtsTokenCount),
		CacheReadTokens: int(md.CachedContentTokenCount),
	}
}

// wrapError classifies a Gemini failure. The API key travels as a URL
// query parameter, so the message is scrubbed before it can leak into
// logs or user-facing errors.
func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var existing *agent.ProviderError
	if errors.As(err, &existing) {
		return existing
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		pe := agent.NewProviderError("google", model, err).
			WithStatus(apiErr.Code).
			WithMessage(p.logger.Redact(apiErr.Message))
		if strings.Contains(strings.ToLower(apiErr.Message), "input token count exceeds") {
			pe = pe.WithKind(agent.ErrKindOverflow)
		}
		return pe
	}

	pe := agent.Classify("google", model, err)
	pe.Message = p.logger.Redact(pe.Message)
	return pe
}

// CountTokens estimates the request's input footprint.
func (p *GoogleProvider) CountTokens(req *agent.CompletionRequest) int {
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

func (p *GoogleProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
