// Package storage implements the Conversation Store: persistence for
// conversations, ordered messages, and user-owned tool-server registrations,
// with owner-scoped authorization on every operation.
package storage

import (
	"context"
	"errors"

	"github.com/haasonsaas/convoai/pkg/models"
)

var (
	// ErrNotFound is returned when an id does not resolve to any row.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the requester is neither the owner nor
	// an admin. Never returned in place of ErrNotFound to avoid leaking
	// existence of another user's resource — see Store doc comment.
	ErrForbidden = errors.New("forbidden")
	// ErrConversationEnded is returned by AppendMessage once a conversation's
	// status is terminal.
	ErrConversationEnded = errors.New("conversation ended")
)

// ConversationStore is the Conversation Store. Every read/write that
// takes a requester subject enforces owner-or-admin authorization; admin
// bypass applies only to reads and deletes, never to writes on another
// user's behalf (admins do not impersonate for writes).
type ConversationStore interface {
	CreateConversation(ctx context.Context, owner, title, systemPrompt string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id string, requester models.User) (*models.Conversation, error)
	ListConversations(ctx context.Context, owner string) ([]*models.Conversation, error)
	DeleteConversation(ctx context.Context, id string, requester models.User) error
	EndConversation(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, conversationID string, role models.Role, content string, tokenCount *int, responseTimeMS *int64, modelName string) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string, requester models.User) ([]*models.Message, error)

	CreateToolServer(ctx context.Context, owner, name, description, endpointURL string) (*models.ToolServerRegistration, error)
	GetToolServer(ctx context.Context, id string, requester models.User) (*models.ToolServerRegistration, error)
	ListToolServers(ctx context.Context, owner string, enabledOnly bool) ([]*models.ToolServerRegistration, error)
	UpdateToolServer(ctx context.Context, reg *models.ToolServerRegistration, requester models.User) error
	DeleteToolServer(ctx context.Context, id string, requester models.User) error
}

// ToolRegistryClient is the Tool Registry Client: a thin facade over
// the Conversation Store restricted to a user's enabled registrations. It
// satisfies dispatcher.ActiveToolServerLister.
type ToolRegistryClient struct {
	store ConversationStore
}

// NewToolRegistryClient builds the facade over a ConversationStore.
func NewToolRegistryClient(store ConversationStore) *ToolRegistryClient {
	return &ToolRegistryClient{store: store}
}

// ActiveToolServers returns the owner's enabled tool-server registrations.
func (c *ToolRegistryClient) ActiveToolServers(ctx context.Context, owner string) ([]models.ToolServerRegistration, error) {
	regs, err := c.store.ListToolServers(ctx, owner, true)
	if err != nil {
		return nil, err
	}
	out := make([]models.ToolServerRegistration, 0, len(regs))
	for _, r := range regs {
		out = append(out, *r)
	}
	return out, nil
}
