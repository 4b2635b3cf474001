package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/convoai/internal/auth"
	"github.com/haasonsaas/convoai/pkg/models"
)

// MemoryStore is an in-memory ConversationStore, for tests and local
// development without a database.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	toolServers   map[string]*models.ToolServerRegistration
}

// NewMemoryStore constructs an empty in-memory ConversationStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		toolServers:   make(map[string]*models.ToolServerRegistration),
	}
}

func (s *MemoryStore) CreateConversation(ctx context.Context, owner, title, systemPrompt string) (*models.Conversation, error) {
	if owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	conv := &models.Conversation{
		ID:           uuid.NewString(),
		OwnerSubject: owner,
		Title:        title,
		SystemPrompt: systemPrompt,
		Status:       models.ConversationActive,
		CreatedAt:    time.Now().UTC(),
	}
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	return conv, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string, requester models.User) (*models.Conversation, error) {
	s.mu.RLock()
	conv, ok := s.conversations[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if conv.OwnerSubject != requester.Subject && !auth.IsAdmin(requester) {
		return nil, ErrForbidden
	}
	return conv, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, owner string) ([]*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Conversation{}
	for _, conv := range s.conversations {
		if conv.OwnerSubject == owner {
			out = append(out, conv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, id string, requester models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if conv.OwnerSubject != requester.Subject && !auth.IsAdmin(requester) {
		return ErrForbidden
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) EndConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.Status = models.ConversationEnded
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, conversationID string, role models.Role, content string, tokenCount *int, responseTimeMS *int64, modelName string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if conv.Status == models.ConversationEnded {
		return nil, ErrConversationEnded
	}
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		TokenCount:     tokenCount,
		ResponseTimeMS: responseTimeMS,
		ModelName:      modelName,
		CreatedAt:      time.Now().UTC(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return msg, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, requester models.User) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if conv.OwnerSubject != requester.Subject && !auth.IsAdmin(requester) {
		return nil, ErrForbidden
	}
	msgs := append([]*models.Message{}, s.messages[conversationID]...)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

func (s *MemoryStore) CreateToolServer(ctx context.Context, owner, name, description, endpointURL string) (*models.ToolServerRegistration, error) {
	if owner == "" || endpointURL == "" {
		return nil, fmt.Errorf("owner and endpoint_url are required")
	}
	if err := validateEndpointURL(endpointURL); err != nil {
		return nil, err
	}
	reg := &models.ToolServerRegistration{
		ID:           uuid.NewString(),
		OwnerSubject: owner,
		Name:         name,
		Description:  description,
		EndpointURL:  endpointURL,
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}
	s.mu.Lock()
	s.toolServers[reg.ID] = reg
	s.mu.Unlock()
	return reg, nil
}

func (s *MemoryStore) GetToolServer(ctx context.Context, id string, requester models.User) (*models.ToolServerRegistration, error) {
	s.mu.RLock()
	reg, ok := s.toolServers[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if reg.OwnerSubject != requester.Subject && !auth.IsAdmin(requester) {
		return nil, ErrForbidden
	}
	return reg, nil
}

func (s *MemoryStore) ListToolServers(ctx context.Context, owner string, enabledOnly bool) ([]*models.ToolServerRegistration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.ToolServerRegistration{}
	for _, reg := range s.toolServers {
		if reg.OwnerSubject != owner {
			continue
		}
		if enabledOnly && !reg.Enabled {
			continue
		}
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateToolServer(ctx context.Context, reg *models.ToolServerRegistration, requester models.User) error {
	if err := validateEndpointURL(reg.EndpointURL); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.toolServers[reg.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.OwnerSubject != requester.Subject && !auth.IsAdmin(requester) {
		return ErrForbidden
	}
	updated := *existing
	updated.Name = reg.Name
	updated.Description = reg.Description
	updated.EndpointURL = reg.EndpointURL
	updated.Enabled = reg.Enabled
	s.toolServers[reg.ID] = &updated
	return nil
}

func (s *MemoryStore) DeleteToolServer(ctx context.Context, id string, requester models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.toolServers[id]
	if !ok {
		return ErrNotFound
	}
	if existing.OwnerSubject != requester.Subject && !auth.IsAdmin(requester) {
		return ErrForbidden
	}
	delete(s.toolServers, id)
	return nil
}

var _ ConversationStore = (*MemoryStore)(nil)
