package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/convoai/pkg/models"
)

func setupMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &PostgresStore{db: db}, mock
}

func TestPostgresStore_CreateConversation(t *testing.T) {
	store, mock := setupMockStore(t)
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs(sqlmock.AnyArg(), "user-1", "title", "", string(models.ConversationActive), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	conv, err := store.CreateConversation(context.Background(), "user-1", "title", "")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if conv.OwnerSubject != "user-1" {
		t.Errorf("owner = %q, want user-1", conv.OwnerSubject)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_GetConversation_NotFound(t *testing.T) {
	store, mock := setupMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "owner_subject", "title", "system_prompt", "status", "created_at"})
	mock.ExpectQuery("SELECT (.+) FROM conversations").WithArgs("missing").WillReturnRows(rows)

	_, err := store.GetConversation(context.Background(), "missing", models.User{Subject: "user-1"})
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_GetConversation_ForbiddenForNonOwner(t *testing.T) {
	store, mock := setupMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "owner_subject", "title", "system_prompt", "status", "created_at"}).
		AddRow("conv-1", "user-1", "title", "", "active", time.Now())
	mock.ExpectQuery("SELECT (.+) FROM conversations").WithArgs("conv-1").WillReturnRows(rows)

	_, err := store.GetConversation(context.Background(), "conv-1", models.User{Subject: "user-2"})
	if err != ErrForbidden {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestPostgresStore_AppendMessage_RejectsAfterEnded(t *testing.T) {
	store, mock := setupMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "owner_subject", "title", "system_prompt", "status", "created_at"}).
		AddRow("conv-1", "user-1", "title", "", string(models.ConversationEnded), time.Now())
	mock.ExpectQuery("SELECT (.+) FROM conversations").WithArgs("conv-1").WillReturnRows(rows)

	_, err := store.AppendMessage(context.Background(), "conv-1", models.RoleUser, "hi", nil, nil, "")
	if err != ErrConversationEnded {
		t.Errorf("expected ErrConversationEnded, got %v", err)
	}
}
