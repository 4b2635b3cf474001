// Package analytics implements the Analytics Ingestor and Analytics
// Query Surface: an append-only event log plus an incrementally
// maintained per-conversation rollup, fed exclusively by fire-and-forget
// events from the Model Pipeline and Conversation Gateway.
package analytics

import (
	"context"
	"errors"

	"github.com/haasonsaas/convoai/pkg/models"
)

// ErrForbidden is returned by Query Surface operations when the requester
// is not an admin (role-gated reads).
var ErrForbidden = errors.New("forbidden")

// Ingestor is the Analytics Ingestor. None of these methods return
// an error to a caller that can act on it: ingestion is fire-and-forget,
// so every store implementation logs and swallows its own failures.
type Ingestor interface {
	IngestActivity(ctx context.Context, a models.Activity)
	IngestAPICall(ctx context.Context, c models.ApiCall)
	IngestConversationLifecycle(ctx context.Context, l models.ConversationLifecycle)
	IngestMessageMetric(ctx context.Context, m models.MessageMetric)
}

// Summary is the Analytics Query Surface's top-level aggregate.
type Summary struct {
	TotalUsers         int     `json:"total_users"`
	ActiveUsersToday   int     `json:"active_users_today"`
	TotalConversations int     `json:"total_conversations"`
	TotalMessages      int64   `json:"total_messages"`
	TotalTokens        int64   `json:"total_tokens"`
	AvgResponseTimeS   float64 `json:"avg_response_time_s"`
	ErrorRate          float64 `json:"error_rate"`
}

// TopUser is one row of a top_users query result, ranked by message volume.
type TopUser struct {
	Subject      string `json:"subject"`
	MessageCount int64  `json:"message_count"`
	TokenCount   int64  `json:"token_count"`
}

// QuerySurface is the Analytics Query Surface. Every method takes
// the requester so the admin-only gate can be enforced uniformly; callers
// construct the requester from the Identity Verifier's output, never from
// a trusted-by-convention internal caller.
type QuerySurface interface {
	Summary(ctx context.Context, requester models.User) (Summary, error)
	TopUsers(ctx context.Context, requester models.User, limit int) ([]TopUser, error)
	UserActivities(ctx context.Context, requester models.User, subjectFilter string, limit, skip int) ([]models.Activity, error)
	ConversationRollup(ctx context.Context, requester models.User, conversationID string) (*models.ConversationRollup, error)
	ClearAll(ctx context.Context, requester models.User) error
}
