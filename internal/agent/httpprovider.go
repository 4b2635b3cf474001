package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/haasonsaas/convoai/pkg/models"
)

// HTTPProvider is an LLMProvider over an OpenAI-compatible chat-completions
// HTTP endpoint. The model provider is an external collaborator consumed
// only through a narrow "chat completion with function calling" interface —
// this is a plain HTTP client against that wire shape, with no concrete
// provider SDK.
//
// The response is read in full and delivered as a single, already-"Done"
// chunk: the wire contract only requires a channel, not token-level
// streaming, and a non-streaming completions endpoint is the common case
// for self-hosted and gateway-fronted OpenAI-compatible backends.
type HTTPProvider struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider builds a provider against baseURL (e.g.
// "https://api.example.com/v1"), authenticating with apiKey as a bearer
// token. client defaults to a 60-second-timeout http.Client when nil.
func NewHTTPProvider(name, baseURL, apiKey string, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPProvider{name: name, baseURL: baseURL, apiKey: apiKey, httpClient: client}
}

func (p *HTTPProvider) Name() string { return p.name }
func (p *HTTPProvider) SupportsTools() bool { return true }

type chatCompletionRequest struct {
	Model     string                  `json:"model"`
	Messages  []chatCompletionMessage `json:"messages"`
	Tools     []chatCompletionTool    `json:"tools,omitempty"`
	MaxTokens int                     `json:"max_tokens,omitempty"`
}

type chatCompletionMessage struct {
	Role       string                   `json:"role"`
	Content    string                   `json:"content,omitempty"`
	ToolCallID string                   `json:"tool_call_id,omitempty"`
	ToolCalls  []chatCompletionToolCall `json:"tool_calls,omitempty"`
}

type chatCompletionTool struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

type chatCompletionToolCall struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content   string                   `json:"content"`
			ToolCalls []chatCompletionToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete satisfies LLMProvider. The returned channel always carries
// exactly one chunk before being closed.
func (p *HTTPProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	wireReq := chatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
	}
	if req.System != "" {
		wireReq.Messages = append(wireReq.Messages, chatCompletionMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		wireReq.Messages = append(wireReq.Messages, toWireMessage(m))
	}
	for _, fn := range req.Functions {
		wireReq.Tools = append(wireReq.Tools, chatCompletionTool{Type: "function", Function: fn})
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call model provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("model provider returned status %d", resp.StatusCode)
	}

	var wireResp chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(wireResp.Choices) == 0 {
		return nil, fmt.Errorf("model provider returned no choices")
	}

	choice := wireResp.Choices[0]
	chunk := &CompletionChunk{
		Done:         true,
		InputTokens:  wireResp.Usage.PromptTokens,
		OutputTokens: wireResp.Usage.CompletionTokens,
	}
	if len(choice.Message.ToolCalls) > 0 {
		tc := choice.Message.ToolCalls[0]
		chunk.ToolCall = &models.ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: tc.Function.Arguments}
	} else {
		chunk.Text = choice.Message.Content
	}

	out := make(chan *CompletionChunk, 1)
	out <- chunk
	close(out)
	return out, nil
}

func toWireMessage(m CompletionMessage) chatCompletionMessage {
	wire := chatCompletionMessage{Role: m.Role, Content: m.Content}
	for _, tc := range m.ToolCalls {
		var call chatCompletionToolCall
		call.ID = tc.ID
		call.Type = "function"
		call.Function.Name = tc.Name
		call.Function.Arguments = tc.Input
		wire.ToolCalls = append(wire.ToolCalls, call)
	}
	if len(m.ToolResults) > 0 {
		wire.Content = m.ToolResults[0].Content
	}
	return wire
}

var _ LLMProvider = (*HTTPProvider)(nil)
