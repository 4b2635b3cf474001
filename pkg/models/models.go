// Package models defines the core data types shared across the conversation
// plane: conversations, messages, tool-server registrations, and the
// analytics records derived from them.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ConversationStatus is the lifecycle state of a Conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationEnded  ConversationStatus = "ended"
)

// User is an externally managed identity, referenced only by Subject within
// the core. Created and authenticated outside this module.
type User struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

// HasRole reports whether the user carries the named role.
func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Conversation is a single thread of messages owned by one subject.
type Conversation struct {
	ID           string             `json:"id"`
	OwnerSubject string             `json:"owner_subject"`
	Title        string             `json:"title"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
	Status       ConversationStatus `json:"status"`
	CreatedAt    time.Time          `json:"created_at"`
}

// Message is one turn within a Conversation.
//
// TokenCount and ResponseTimeMS are populated only when known: TokenCount is
// authoritative once written (downstream aggregators must not recompute it),
// and ResponseTimeMS is recorded only on assistant messages.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	TokenCount     *int      `json:"token_count,omitempty"`
	ResponseTimeMS *int64    `json:"response_time_ms,omitempty"`
	ModelName      string    `json:"model_name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToolServerRegistration is a user-owned pointer to an external MCP-style
// tool server. EndpointURL is opaque to the core: it is never parsed for
// meaning beyond "a network address understood by the dispatcher".
type ToolServerRegistration struct {
	ID           string    `json:"id"`
	OwnerSubject string    `json:"owner_subject"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	EndpointURL  string    `json:"endpoint_url"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// ToolDescriptor is a transient, per-turn record of one tool advertised by a
// tool server. It is never persisted; its lifetime is a single
// model-pipeline turn.
type ToolDescriptor struct {
	OriginServerID  string          `json:"origin_server_id"`
	ToolName        string          `json:"tool_name"`
	PresentedName   string          `json:"presented_name"`
	Description     string          `json:"description,omitempty"`
	ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"`
}

// ToolCall is the model's request to execute one tool, under the name it
// was presented in the catalog.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of executing a ToolCall, fed back into the
// working context as a role=tool message.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Activity is an append-only record of a subject-initiated event (login,
// logout, conversation_started, conversation_ended, ...).
type Activity struct {
	Subject   string         `json:"subject"`
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ApiCall is an append-only record of one inbound request handled by the
// core, for error-rate and latency reporting.
type ApiCall struct {
	Endpoint  string    `json:"endpoint"`
	Method    string    `json:"method"`
	Subject   string    `json:"subject,omitempty"`
	Status    int       `json:"status"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationLifecycleAction names a conversation lifecycle transition
// reported to analytics.
type ConversationLifecycleAction string

const (
	ConversationCreated ConversationLifecycleAction = "created"
	ConversationDeleted ConversationLifecycleAction = "deleted"
)

// ConversationLifecycle is an append-only record of a conversation's
// creation or deletion.
type ConversationLifecycle struct {
	ConversationID string                      `json:"conversation_id"`
	Subject        string                      `json:"subject"`
	Action         ConversationLifecycleAction `json:"action"`
	Timestamp      time.Time                   `json:"timestamp"`
}

// MessageMetric is an append-only per-message accounting record. It is the
// sole source of truth a ConversationRollup must be reconstructible from.
type MessageMetric struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Subject        string    `json:"subject"`
	Role           Role      `json:"role"`
	TokenCount     int       `json:"token_count"`
	ResponseTimeS  float64   `json:"response_time_s,omitempty"`
	ModelName      string    `json:"model_name,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConversationRollup is the maintained aggregate over one conversation's
// MessageMetric rows. AvgResponseTimeS is the token-agnostic, time-weighted
// mean over assistant messages whose response time is known; it tracks
// AssistantMessageCount as its explicit divisor so it is never conflated
// with MessageCount (see internal/analytics).
type ConversationRollup struct {
	ConversationID        string    `json:"conversation_id"`
	OwnerSubject          string    `json:"owner_subject"`
	MessageCount          int64     `json:"message_count"`
	AssistantMessageCount int64     `json:"assistant_message_count"`
	TotalTokens           int64     `json:"total_tokens"`
	AvgResponseTimeS      float64   `json:"avg_response_time_s"`
	UpdatedAt             time.Time `json:"updated_at"`
}
