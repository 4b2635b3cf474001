package analytics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/convoai/internal/auth"
	"github.com/haasonsaas/convoai/pkg/models"
)

// MemoryStore is an in-memory Ingestor+QuerySurface, for tests and local
// development without a database. Per-conversation rollup updates are
// serialized by striping a mutex per conversation id, the in-process
// analogue of the canonical transactional `SELECT ... FOR UPDATE`.
type MemoryStore struct {
	logger *slog.Logger

	mu         sync.RWMutex
	activities []models.Activity
	apiCalls   []models.ApiCall
	lifecycles []models.ConversationLifecycle
	metrics    []models.MessageMetric
	rollups    map[string]*models.ConversationRollup
	convMu     map[string]*sync.Mutex
}

// NewMemoryStore builds an empty in-memory analytics store. logger may be
// nil, in which case slog.Default() is used.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		logger:  logger.With("component", "analytics"),
		rollups: make(map[string]*models.ConversationRollup),
		convMu:  make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) lockFor(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.convMu[conversationID]
	if !ok {
		m = &sync.Mutex{}
		s.convMu[conversationID] = m
	}
	return m
}

func (s *MemoryStore) IngestActivity(ctx context.Context, a models.Activity) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.activities = append(s.activities, a)
	s.mu.Unlock()
}

func (s *MemoryStore) IngestAPICall(ctx context.Context, c models.ApiCall) {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.apiCalls = append(s.apiCalls, c)
	s.mu.Unlock()
}

func (s *MemoryStore) IngestConversationLifecycle(ctx context.Context, l models.ConversationLifecycle) {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.lifecycles = append(s.lifecycles, l)
	s.mu.Unlock()
}

// IngestMessageMetric records the metric and upserts its conversation's
// rollup. The stripe lock serializes read-modify-write across concurrent
// ingests for the same conversation; s.mu is held for the mutation itself
// so that Summary and ConversationRollup, which only ever take s.mu, never
// observe a rollup mid-update.
func (s *MemoryStore) IngestMessageMetric(ctx context.Context, m models.MessageMetric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	lock := s.lockFor(m.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics = append(s.metrics, m)
	rollup, ok := s.rollups[m.ConversationID]
	if !ok {
		rollup = &models.ConversationRollup{ConversationID: m.ConversationID, OwnerSubject: m.Subject}
		s.rollups[m.ConversationID] = rollup
	}
	applyMetric(rollup, m)
}

// applyMetric mutates rollup in place per the upsert rule. Callers must
// serialize calls for the same rollup: MemoryStore holds its stripe lock and
// s.mu, PostgresStore holds the rollup row lock.
func applyMetric(rollup *models.ConversationRollup, m models.MessageMetric) {
	rollup.MessageCount++
	rollup.TotalTokens += int64(m.TokenCount)

	if m.Role == models.RoleAssistant && m.ResponseTimeS > 0 {
		if rollup.AssistantMessageCount == 0 {
			rollup.AvgResponseTimeS = m.ResponseTimeS
		} else {
			rollup.AvgResponseTimeS = (rollup.AvgResponseTimeS*float64(rollup.AssistantMessageCount) + m.ResponseTimeS) / float64(rollup.AssistantMessageCount+1)
		}
		rollup.AssistantMessageCount++
	}
	rollup.UpdatedAt = time.Now().UTC()
}

func (s *MemoryStore) Summary(ctx context.Context, requester models.User) (Summary, error) {
	if !auth.IsAdmin(requester) {
		return Summary{}, ErrForbidden
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	users       := make(map[string]struct{})
	activeToday := make(map[string]struct{})
	today       := time.Now().UTC().Truncate(24 * time.Hour)
	for _, a := range s.activities {
		users[a.Subject] = struct{}{}
		if a.Timestamp.UTC().Truncate(24 * time.Hour).Equal(today) {
			activeToday[a.Subject] = struct{}{}
		}
	}

	var totalMessages, totalTokens int64
	var responseTimeSum float64
	var responseTimeCount int64
	for _, rollup := range s.rollups {
		totalMessages += rollup.MessageCount
		totalTokens   += rollup.TotalTokens
		if rollup.AssistantMessageCount > 0 {
			responseTimeSum   += rollup.AvgResponseTimeS * float64(rollup.AssistantMessageCount)
			responseTimeCount += rollup.AssistantMessageCount
		}
	}

	var errorCalls int
	for _, c := range s.apiCalls {
		if c.Status >= 500 {
			errorCalls++
		}
	}
	var errorRate float64
	if len(s.apiCalls) > 0 {
		errorRate = float64(errorCalls) / float64(len(s.apiCalls))
	}

	var avgResponseTimeS float64
	if responseTimeCount > 0 {
		avgResponseTimeS = responseTimeSum / float64(responseTimeCount)
	}

	return Summary{
		TotalUsers:         len(users),
		ActiveUsersToday:   len(activeToday),
		TotalConversations: len(s.rollups),
		TotalMessages:      totalMessages,
		TotalTokens:        totalTokens,
		AvgResponseTimeS:   avgResponseTimeS,
		ErrorRate:          errorRate,
	}, nil
}

func (s *MemoryStore) TopUsers(ctx context.Context, requester models.User, limit int) ([]TopUser, error) {
	if !auth.IsAdmin(requester) {
		return nil, ErrForbidden
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUser := make(map[string]*TopUser)
	for _, m := range s.metrics {
		u, ok := byUser[m.Subject]
		if !ok {
			u = &TopUser{Subject: m.Subject}
			byUser[m.Subject] = u
		}
		u.MessageCount++
		u.TokenCount += int64(m.TokenCount)
	}

	out := make([]TopUser, 0, len(byUser))
	for _, u := range byUser {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageCount > out[j].MessageCount })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UserActivities(ctx context.Context, requester models.User, subjectFilter string, limit, skip int) ([]models.Activity, error) {
	if !auth.IsAdmin(requester) {
		return nil, ErrForbidden
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]models.Activity, 0)
	for _, a := range s.activities {
		if subjectFilter != "" && a.Subject != subjectFilter {
			continue
		}
		matched = append(matched, a)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })

	if skip >= len(matched) {
		return []models.Activity{}, nil
	}
	matched = matched[skip:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *MemoryStore) ConversationRollup(ctx context.Context, requester models.User, conversationID string) (*models.ConversationRollup, error) {
	if !auth.IsAdmin(requester) {
		return nil, ErrForbidden
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rollup, ok := s.rollups[conversationID]
	if !ok {
		return nil, nil
	}
	copied := *rollup
	return &copied, nil
}

// ClearAll is the admin-only destructive reset.
func (s *MemoryStore) ClearAll(ctx context.Context, requester models.User) error {
	if !auth.IsAdmin(requester) {
		return ErrForbidden
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activities = nil
	s.apiCalls = nil
	s.lifecycles = nil
	s.metrics = nil
	s.rollups = make(map[string]*models.ConversationRollup)
	s.convMu = make(map[string]*sync.Mutex)
	return nil
}

var (
	_ Ingestor     = (*MemoryStore)(nil)
	_ QuerySurface = (*MemoryStore)(nil)
)
