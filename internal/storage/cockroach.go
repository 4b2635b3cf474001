package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/haasonsaas/convoai/internal/auth"
	"github.com/haasonsaas/convoai/pkg/models"
)

// PostgresStore is the CockroachDB/Postgres-backed ConversationStore.
type PostgresStore struct {
	db     *sql.DB
	closer func() error
}

// NewPostgresStore opens a connection pool against dsn and verifies it with
// a ping before returning, so a misconfigured database surfaces at startup
// rather than on the first request.
func NewPostgresStore(dsn string, config *CockroachConfig) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
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

	return &PostgresStore{db: db, closer: db.Close}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func (s *PostgresStore) CreateConversation(ctx context.Context, owner, title, systemPrompt string) (*models.Conversation, error) {
	if strings.TrimSpace(owner) == "" {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, owner_subject, title, system_prompt, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		conv.ID, conv.OwnerSubject, conv.Title, conv.SystemPrompt, string(conv.Status), conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) getConversationRow(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_subject, title, system_prompt, status, created_at
		 FROM conversations WHERE id = $1`, id)
	var conv models.Conversation
	var status string
	if err := row.Scan(&conv.ID, &conv.OwnerSubject, &conv.Title, &conv.SystemPrompt, &status, &conv.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	conv.Status = models.ConversationStatus(status)
	return &conv, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string, requester models.User) (*models.Conversation, error) {
	conv, err := s.getConversationRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.OwnerSubject != requester.Subject && !auth.IsAdmin(requester) {
		return nil, ErrForbidden
	}
	return conv, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, owner string) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_subject, title, system_prompt, status, created_at
		 FROM conversations WHERE owner_subject = $1 ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := []*models.Conversation{}
	for rows.Next() {
		var conv models.Conversation
		var status string
		if err := rows.Scan(&conv.ID, &conv.OwnerSubject, &conv.Title, &conv.SystemPrompt, &status, &conv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.Status = models.ConversationStatus(status)
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// DeleteConversation cascades to messages; Activities and ApiCalls are
// immutable audit data and are never touched here (its ownership rules).
func (s *PostgresStore) DeleteConversation(ctx context.Context, id string, requester models.User) error {
	conv, err := s.getConversationRow(ctx, id)
	if err != nil {
		return err
	}
	if conv.OwnerSubject != requester.Subject && !auth.IsAdmin(requester) {
		return ErrForbidden
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_rollups WHERE conversation_id = $1`, id); err != nil {
		return fmt.Errorf("delete rollup: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}

// EndConversation marks status=ended, the terminal state after which
// AppendMessage must refuse further writes.
func (s *PostgresStore) EndConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = $1 WHERE id = $2`, string(models.ConversationEnded), id)
	if err != nil {
		return fmt.Errorf("end conversation: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end conversation rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, conversationID string, role models.Role, content string, tokenCount *int, responseTimeMS *int64, modelName string) (*models.Message, error) {
	conv, err := s.getConversationRow(ctx, conversationID)
	if err != nil {
		return nil, err
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, token_count, response_time_ms, model_name, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.TokenCount, msg.ResponseTimeMS, msg.ModelName, msg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, requester models.User) ([]*models.Message, error) {
	conv, err := s.getConversationRow(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.OwnerSubject != requester.Subject && !auth.IsAdmin(requester) {
		return nil, ErrForbidden
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, token_count, response_time_ms, model_name, created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []*models.Message{}
	for rows.Next() {
		var msg models.Message
		var role string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.TokenCount, &msg.ResponseTimeMS, &msg.ModelName, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) CreateToolServer(ctx context.Context, owner, name, description, endpointURL string) (*models.ToolServerRegistration, error) {
	if strings.TrimSpace(owner) == "" || strings.TrimSpace(endpointURL) == "" {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_server_registrations (id, owner_subject, name, description, endpoint_url, enabled, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		reg.ID, reg.OwnerSubject, reg.Name, reg.Description, reg.EndpointURL, reg.Enabled, reg.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create tool server: %w", err)
	}
	return reg, nil
}

func (s *PostgresStore) getToolServerRow(ctx context.Context, id string) (*models.ToolServerRegistration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_subject, name, description, endpoint_url, enabled, created_at
		 FROM tool_server_registrations WHERE id = $1`, id)
	var reg models.ToolServerRegistration
	if err := row.Scan(&reg.ID, &reg.OwnerSubject, &reg.Name, &reg.Description, &reg.EndpointURL, &reg.Enabled, &reg.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tool server: %w", err)
	}
	return &reg, nil
}

func (s *PostgresStore) GetToolServer(ctx context.Context, id string, requester models.User) (*models.ToolServerRegistration, error) {
	reg, err := s.getToolServerRow(ctx, id)
	if err != nil {
		return nil, err
	}
	if reg.OwnerSubject != requester.Subject && !auth.IsAdmin(requester) {
		return nil, ErrForbidden
	}
	return reg, nil
}

func (s *PostgresStore) ListToolServers(ctx context.Context, owner string, enabledOnly bool) ([]*models.ToolServerRegistration, error) {
	query := `SELECT id, owner_subject, name, description, endpoint_url, enabled, created_at
		FROM tool_server_registrations WHERE owner_subject = $1`
	if enabledOnly {
		query += ` AND enabled = true`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("list tool servers: %w", err)
	}
	defer rows.Close()

	regs := []*models.ToolServerRegistration{}
	for rows.Next() {
		var reg models.ToolServerRegistration
		if err := rows.Scan(&reg.ID, &reg.OwnerSubject, &reg.Name, &reg.Description, &reg.EndpointURL, &reg.Enabled, &reg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool server: %w", err)
		}
		regs = append(regs, &reg)
	}
	return regs, rows.Err()
}

// UpdateToolServer requires owner-or-admin authorization but per the design
// "admins do not impersonate for writes" rule, never changes owner_subject.
func (s *PostgresStore) UpdateToolServer(ctx context.Context, reg *models.ToolServerRegistration, requester models.User) error {
	if err := validateEndpointURL(reg.EndpointURL); err != nil {
		return err
	}
	existing, err := s.getToolServerRow(ctx, reg.ID)
	if err != nil {
		return err
	}
	if existing.OwnerSubject != requester.Subject && !auth.IsAdmin(requester) {
		return ErrForbidden
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_server_registrations
		 SET name = $1, description = $2, endpoint_url = $3, enabled = $4
		 WHERE id = $5`,
		reg.Name, reg.Description, reg.EndpointURL, reg.Enabled, reg.ID,
	)
	if err != nil {
		return fmt.Errorf("update tool server: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tool server rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteToolServer(ctx context.Context, id string, requester models.User) error {
	existing, err := s.getToolServerRow(ctx, id)
	if err != nil {
		return err
	}
	if existing.OwnerSubject != requester.Subject && !auth.IsAdmin(requester) {
		return ErrForbidden
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_server_registrations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tool server: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete tool server rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

var _ ConversationStore = (*PostgresStore)(nil)
