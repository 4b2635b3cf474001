package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/convoai/internal/auth"
	"github.com/haasonsaas/convoai/internal/storage"
	"github.com/haasonsaas/convoai/pkg/models"
)

// PostgresStore is the CockroachDB/Postgres-backed Ingestor+QuerySurface.
// Per-conversation rollup updates are serialized with a transactional
// `SELECT ... FOR UPDATE` on the conversation_rollups row , the same
// "lock the keyed resource, then read-modify-write" shape as
// internal/sessions.DBLocker's lease pattern, specialized here to a single
// short-lived transaction instead of a held lease.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens a connection pool against dsn and verifies it with
// a ping before returning.
func NewPostgresStore(dsn string, config *storage.CockroachConfig, logger *slog.Logger) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = storage.DefaultCockroachConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db, logger: logger.With("component", "analytics")}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// IngestActivity never returns an error to the caller (fire-and-forget,
// no retry, no queue); a write failure is logged and dropped.
func (s *PostgresStore) IngestActivity(ctx context.Context, a models.Activity) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (id, subject, kind, timestamp)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), a.Subject, a.Kind, a.Timestamp)
	if err != nil {
		s.logger.Warn("drop activity event", "error", err)
	}
}

func (s *PostgresStore) IngestAPICall(ctx context.Context, c models.ApiCall) {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_calls (id, endpoint, method, subject, status, latency_ms, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), c.Endpoint, c.Method, c.Subject, c.Status, c.LatencyMS, c.Timestamp)
	if err != nil {
		s.logger.Warn("drop api_call event", "error", err)
	}
}

func (s *PostgresStore) IngestConversationLifecycle(ctx context.Context, l models.ConversationLifecycle) {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_lifecycles (id, conversation_id, subject, action, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), l.ConversationID, l.Subject, string(l.Action), l.Timestamp)
	if err != nil {
		s.logger.Warn("drop conversation_lifecycle event", "error", err)
	}
}

// IngestMessageMetric records the metric and atomically upserts its
// conversation's rollup per the design "MUST be atomic per conversation" rule.
func (s *PostgresStore) IngestMessageMetric(ctx context.Context, m models.MessageMetric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if err := s.ingestMessageMetric(ctx, m); err != nil {
		s.logger.Warn("drop message_metric event", "error", err)
	}
}

func (s *PostgresStore) ingestMessageMetric(ctx context.Context, m models.MessageMetric) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO message_metrics (id, message_id, conversation_id, subject, role, token_count, response_time_s, model_name, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.NewString(), m.MessageID, m.ConversationID, m.Subject, string(m.Role), m.TokenCount, m.ResponseTimeS, m.ModelName, m.Timestamp); err != nil {
		return fmt.Errorf("insert message_metric: %w", err)
	}

	// Seed an empty rollup row so the SELECT ... FOR UPDATE below always has
	// a row to lock, including for a conversation's first concurrent metrics.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_rollups (conversation_id, owner_subject, message_count, assistant_message_count, total_tokens, avg_response_time_s, updated_at)
		VALUES ($1, $2, 0, 0, 0, 0, $3)
		ON     CONFLICT (conversation_id) DO NOTHING
	`, m.ConversationID, m.Subject, m.Timestamp); err != nil {
		return fmt.Errorf("seed conversation_rollup: %w", err)
	}

	var rollup models.ConversationRollup
	err = tx.QueryRowContext(ctx, `
		SELECT conversation_id, owner_subject, message_count, assistant_message_count, total_tokens, avg_response_time_s, updated_at
		FROM   conversation_rollups
		WHERE  conversation_id = $1
		FOR    UPDATE
	`, m.ConversationID).Scan(&rollup.ConversationID, &rollup.OwnerSubject, &rollup.MessageCount,
		&rollup.AssistantMessageCount, &rollup.TotalTokens, &rollup.AvgResponseTimeS, &rollup.UpdatedAt)

	switch err {
	case sql.ErrNoRows:
		rollup = models.ConversationRollup{ConversationID: m.ConversationID, OwnerSubject: m.Subject}
	case nil:
		// row locked, fall through
	default:
		return fmt.Errorf("lock conversation_rollup: %w", err)
	}

	applyMetric(&rollup, m)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_rollups (conversation_id, owner_subject, message_count, assistant_message_count, total_tokens, avg_response_time_s, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON     CONFLICT (conversation_id) DO UPDATE SET
			message_count           = EXCLUDED.message_count,
			assistant_message_count = EXCLUDED.assistant_message_count,
			total_tokens            = EXCLUDED.total_tokens,
			avg_response_time_s     = EXCLUDED.avg_response_time_s,
			updated_at              = EXCLUDED.updated_at
	`, rollup.ConversationID, rollup.OwnerSubject, rollup.MessageCount, rollup.AssistantMessageCount,
		rollup.TotalTokens, rollup.AvgResponseTimeS, rollup.UpdatedAt); err != nil {
		return fmt.Errorf("upsert conversation_rollup: %w", err)
	}

	return tx.Commit()
}

func (s *PostgresStore) Summary(ctx context.Context, requester models.User) (Summary, error) {
	if !auth.IsAdmin(requester) {
		return Summary{}, ErrForbidden
	}
	var out Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(DISTINCT subject) FROM activities),
			(SELECT count(DISTINCT subject) FROM activities WHERE timestamp >= date_trunc('day', now())),
			(SELECT count(*) FROM conversation_rollups),
			(SELECT coalesce(sum(message_count), 0) FROM conversation_rollups),
			(SELECT coalesce(sum(total_tokens), 0) FROM conversation_rollups),
			(SELECT coalesce(sum(avg_response_time_s * assistant_message_count) / nullif(sum(assistant_message_count), 0), 0) FROM conversation_rollups),
			(SELECT coalesce(count(*) FILTER (WHERE status >= 500), 0)::float / nullif(count(*), 0) FROM api_calls)
	`).Scan(&out.TotalUsers, &out.ActiveUsersToday, &out.TotalConversations, &out.TotalMessages,
		&out.TotalTokens, &out.AvgResponseTimeS, &out.ErrorRate)
	if err != nil {
		return Summary{}, fmt.Errorf("summary query: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) TopUsers(ctx context.Context, requester models.User, limit int) ([]TopUser, error) {
	if !auth.IsAdmin(requester) {
		return nil, ErrForbidden
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, count(*), coalesce(sum(token_count), 0)
		FROM   message_metrics
		GROUP  BY subject
		ORDER  BY count(*) DESC
		LIMIT  $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("top_users query: %w", err)
	}
	defer rows.Close()

	out := []TopUser{}
	for rows.Next() {
		var u TopUser
		if err := rows.Scan(&u.Subject, &u.MessageCount, &u.TokenCount); err != nil {
			return nil, fmt.Errorf("scan top_users row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UserActivities(ctx context.Context, requester models.User, subjectFilter string, limit, skip int) ([]models.Activity, error) {
	if !auth.IsAdmin(requester) {
		return nil, ErrForbidden
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject, kind, timestamp
		FROM   activities
		WHERE  $1 = '' OR subject = $1
		ORDER  BY timestamp DESC
		LIMIT  $2 OFFSET $3
	`, subjectFilter, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("user_activities query: %w", err)
	}
	defer rows.Close()

	out := []models.Activity{}
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.Subject, &a.Kind, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ConversationRollup(ctx context.Context, requester models.User, conversationID string) (*models.ConversationRollup, error) {
	if !auth.IsAdmin(requester) {
		return nil, ErrForbidden
	}
	var rollup models.ConversationRollup
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, owner_subject, message_count, assistant_message_count, total_tokens, avg_response_time_s, updated_at
		FROM   conversation_rollups
		WHERE  conversation_id = $1
	`, conversationID).Scan(&rollup.ConversationID, &rollup.OwnerSubject, &rollup.MessageCount,
		&rollup.AssistantMessageCount, &rollup.TotalTokens, &rollup.AvgResponseTimeS, &rollup.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation_rollup query: %w", err)
	}
	return &rollup, nil
}

// ClearAll is the admin-only destructive reset. It does not touch
// the conversation store: analytics is explicitly not required to maintain
// referential integrity against it.
func (s *PostgresStore) ClearAll(ctx context.Context, requester models.User) error {
	if !auth.IsAdmin(requester) {
		return ErrForbidden
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"activities", "api_calls", "conversation_lifecycles", "message_metrics", "conversation_rollups"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

var (
	_ Ingestor = (*PostgresStore)(nil)
	_ QuerySurface = (*PostgresStore)(nil)
)
