package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/pkg/models"
)

// The responses API is called over raw HTTP; the chat SDK does not expose
// it. Only the subset the gateway needs is modeled.

type responsesRequest struct {
	Model           string              `json:"model"`
	Input           []responsesMessage  `json:"input"`
	Instructions    string              `json:"instructions,omitempty"`
	MaxOutputTokens int                 `json:"max_output_tokens,omitempty"`
	Reasoning       *responsesReasoning `json:"reasoning,omitempty"`
	Tools           []responsesTool     `json:"tools,omitempty"`
}

type responsesMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesReasoning struct {
	Effort string `json:"effort"`
}

type responsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type responsesResponse struct {
	Output []responsesOutputItem `json:"output"`
	Usage  struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

type responsesOutputItem struct {
	Type    string `json:"type"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`

	// function_call items.
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// completeViaResponses issues the request against /responses. The history
// is flattened to plain role/content turns; tool results are inlined as
// user text since the endpoint has no tool-result turn for foreign ids.
func (p *OpenAIProvider) completeViaResponses(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResult, error) {
	model := p.model(req.Model)

	body := responsesRequest{
		Model:           model,
		Input:           flattenForResponses(req.Messages),
		Instructions:    req.System.Joined(),
		MaxOutputTokens: req.MaxTokens,
	}
	if effort := reasoningEffort(req.Thinking); effort != "" {
		body.Reasoning = &responsesReasoning{Effort: effort}
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, responsesTool{
			Type:        "function",
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("responses: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/responses", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("responses: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, agent.Classify(p.name, model, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, agent.Classify(p.name, model, err)
	}

	var parsed responsesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if httpResp.StatusCode >= 400 {
			return nil, agent.NewProviderError(p.name, model, errors.New(http.StatusText(httpResp.StatusCode))).
				WithStatus(httpResp.StatusCode)
		}
		return nil, agent.NewProviderError(p.name, model, err).WithKind(agent.ErrKindSchema)
	}
	if httpResp.StatusCode >= 400 || parsed.Error != nil {
		msg := http.StatusText(httpResp.StatusCode)
		if parsed.Error != nil {
			msg = p.logger.Redact(parsed.Error.Message)
		}
		return nil, agent.NewProviderError(p.name, model, errors.New(msg)).
			WithStatus(httpResp.StatusCode).
			WithMessage(msg)
	}

	result := &agent.CompletionResult{
		Model: agent.QualifyModel(p.name, model),
		Usage: models.Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
	}
	var text strings.Builder
	for _, item := range parsed.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					text.WriteString(c.Text)
				}
			}
		case "function_call":
			result.ToolCalls = append(result.ToolCalls, models.ToolCall{
				ID:    item.CallID,
				Name:  item.Name,
				Input: normalizeArguments(item.Arguments),
			})
		}
	}
	result.Content = text.String()
	return result, nil
}

// flattenForResponses reduces the history to plain text turns. Tool calls
// and results become inline text; the endpoint cannot replay foreign tool
// ids anyway.
func flattenForResponses(msgs []models.Message) []responsesMessage {
	var out []responsesMessage
	for _, msg := range msgs {
		role := "user"
		switch msg.Role {
		case models.RoleAssistant:
			role = "assistant"
		case models.RoleSystem:
			role = "system"
		}

		var b strings.Builder
		b.WriteString(msg.Content)
		for _, tc := range msg.ToolCalls {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "[called %s with %s]", tc.Name, tc.Input)
		}
		for _, tr := range msg.ToolResults {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "[%s returned: %s]", tr.ToolCallID, tr.Content)
		}
		if b.Len() == 0 {
			continue
		}
		out = append(out, responsesMessage{Role: role, Content: b.String()})
	}
	return out
}
