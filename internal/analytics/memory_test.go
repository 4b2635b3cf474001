package analytics

import (
	"context"
	"sync"
	"testing"

	"github.com/haasonsaas/convoai/pkg/models"
)

func TestMemoryStore_IngestMessageMetric_UpdatesRollupIncrementally(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx   := context.Background()
	admin := models.User{Subject: "admin-1", Roles: []string{"admin"}}

	store.IngestMessageMetric(ctx, models.MessageMetric{
		MessageID: "m1", ConversationID: "conv-1", Subject: "user-1",
		Role:      models.RoleAssistant, TokenCount: 10, ResponseTimeS: 2.0,
	})
	store.IngestMessageMetric(ctx, models.MessageMetric{
		MessageID: "m2", ConversationID: "conv-1", Subject: "user-1",
		Role:      models.RoleAssistant, TokenCount: 20, ResponseTimeS: 4.0,
	})

	rollup, err := store.ConversationRollup(ctx, admin, "conv-1")
	if err != nil {
		t.Fatalf("ConversationRollup() error = %v", err)
	}
	if rollup.MessageCount != 2 {
		t.Errorf("message_count = %d, want 2", rollup.MessageCount)
	}
	if rollup.TotalTokens != 30 {
		t.Errorf("total_tokens = %d, want 30", rollup.TotalTokens)
	}
	if rollup.AssistantMessageCount != 2 {
		t.Errorf("assistant_message_count = %d, want 2", rollup.AssistantMessageCount)
	}
	if rollup.AvgResponseTimeS != 3.0 {
		t.Errorf("avg_response_time_s = %v, want 3.0", rollup.AvgResponseTimeS)
	}
}

func TestMemoryStore_IngestMessageMetric_IgnoresNonAssistantForAverage(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx   := context.Background()
	admin := models.User{Subject: "admin-1", Roles: []string{"admin"}}

	store.IngestMessageMetric(ctx, models.MessageMetric{
		ConversationID: "conv-1", Subject: "user-1", Role: models.RoleUser, TokenCount: 5,
	})
	store.IngestMessageMetric(ctx, models.MessageMetric{
		ConversationID: "conv-1", Subject: "user-1", Role: models.RoleAssistant, TokenCount: 5, ResponseTimeS: 1.5,
	})

	rollup, _ := store.ConversationRollup(ctx, admin, "conv-1")
	if rollup.MessageCount != 2 {
		t.Errorf("message_count = %d, want 2", rollup.MessageCount)
	}
	if rollup.AssistantMessageCount != 1 {
		t.Errorf("assistant_message_count = %d, want 1", rollup.AssistantMessageCount)
	}
	if rollup.AvgResponseTimeS != 1.5 {
		t.Errorf("avg_response_time_s = %v, want 1.5", rollup.AvgResponseTimeS)
	}
}

func TestMemoryStore_IngestMessageMetric_ConcurrentWritesSerializePerConversation(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx   := context.Background()
	admin := models.User{Subject: "admin-1", Roles: []string{"admin"}}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.IngestMessageMetric(ctx, models.MessageMetric{
				ConversationID: "conv-1", Subject: "user-1", Role: models.RoleAssistant,
				TokenCount:     1, ResponseTimeS: 1.0,
			})
		}()
	}
	wg.Wait()

	rollup, _ := store.ConversationRollup(ctx, admin, "conv-1")
	if rollup.MessageCount != 50 {
		t.Errorf("message_count = %d, want 50 (lost update under concurrency)", rollup.MessageCount)
	}
	if rollup.AssistantMessageCount != 50 {
		t.Errorf("assistant_message_count = %d, want 50", rollup.AssistantMessageCount)
	}
}

func TestMemoryStore_QuerySurface_RejectsNonAdmin(t *testing.T) {
	store    := NewMemoryStore(nil)
	ctx      := context.Background()
	nonAdmin := models.User{Subject: "user-1"}

	if _, err := store.Summary(ctx, nonAdmin); err != ErrForbidden {
		t.Errorf("Summary() error = %v, want ErrForbidden", err)
	}
	if _, err := store.TopUsers(ctx, nonAdmin, 10); err != ErrForbidden {
		t.Errorf("TopUsers() error = %v, want ErrForbidden", err)
	}
	if err := store.ClearAll(ctx, nonAdmin); err != ErrForbidden {
		t.Errorf("ClearAll() error = %v, want ErrForbidden", err)
	}
}

func TestMemoryStore_ClearAll_ResetsState(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx   := context.Background()
	admin := models.User{Subject: "admin-1", Roles: []string{"admin"}}

	store.IngestMessageMetric(ctx, models.MessageMetric{ConversationID: "conv-1", Subject: "user-1", Role: models.RoleAssistant, TokenCount: 5})
	if err := store.ClearAll(ctx, admin); err != nil {
		t.Fatalf("ClearAll() error = %v", err)
	}
	rollup, err := store.ConversationRollup(ctx, admin, "conv-1")
	if err != nil {
		t.Fatalf("ConversationRollup() error = %v", err)
	}
	if rollup != nil {
		t.Errorf("expected nil rollup after ClearAll, got %+v", rollup)
	}
}

func TestMemoryStore_TopUsers_RankedByMessageCount(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx   := context.Background()
	admin := models.User{Subject: "admin-1", Roles: []string{"admin"}}

	store.IngestMessageMetric(ctx, models.MessageMetric{ConversationID: "c1", Subject: "heavy", Role: models.RoleAssistant, TokenCount: 1})
	store.IngestMessageMetric(ctx, models.MessageMetric{ConversationID: "c1", Subject: "heavy", Role: models.RoleAssistant, TokenCount: 1})
	store.IngestMessageMetric(ctx, models.MessageMetric{ConversationID: "c2", Subject: "light", Role: models.RoleAssistant, TokenCount: 1})

	top, err := store.TopUsers(ctx, admin, 10)
	if err != nil {
		t.Fatalf("TopUsers() error = %v", err)
	}
	if len(top) != 2 || top[0].Subject != "heavy" || top[0].MessageCount != 2 {
		t.Fatalf("unexpected ranking: %+v", top)
	}
}
