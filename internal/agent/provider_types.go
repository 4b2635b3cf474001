package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/convoai/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// The model provider itself is an external collaborator: the core never
// constructs a concrete provider client, only consumes this interface.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Multiple goroutines may
// call Complete() simultaneously for different requests.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// FunctionSpec is one entry of the tool catalog declared to the model for a
// single completion request, re-derived fresh on every turn by the
// Dispatcher (see internal/dispatcher). The model pipeline never retains
// this value between turns.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which LLM model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the conversation's optional system prompt.
	System string `json:"system,omitempty"`

	// Messages contains the working context in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Functions declares the tool catalog available for this turn.
	Functions []FunctionSpec `json:"functions,omitempty"`

	// MaxTokens limits the maximum length of the generated response.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage represents a single message in the working context.
// Role values: "user", "assistant", "system", "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
type CompletionChunk struct {
	// Text contains partial response text (streamed incrementally).
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// Error contains any error that occurred; streaming is terminated.
	Error error `json:"-"`

	// InputTokens/OutputTokens are populated on the final chunk, when the
	// provider reports them.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ToolResult contains the output from a tool execution, relayed back into
// the working context as a role=tool message.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ResponseChunk is what the pipeline streams to the Gateway for one turn.
type ResponseChunk struct {
	Text  string          `json:"text,omitempty"`
	Done  bool            `json:"done,omitempty"`
	Error error           `json:"-"`
	Final *models.Message `json:"final,omitempty"`
}
