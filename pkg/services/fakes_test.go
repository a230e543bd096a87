package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/repositories"
)

// memConversationRepo is an in-memory ConversationRepository.
type memConversationRepo struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*models.Conversation
	messages      map[uuid.UUID][]*models.Message
	clock         time.Time
}

func newMemConversationRepo() *memConversationRepo {
	return &memConversationRepo{
		conversations: make(map[uuid.UUID]*models.Conversation),
		messages:      make(map[uuid.UUID][]*models.Message),
		clock:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

var _ repositories.ConversationRepository = (*memConversationRepo)(nil)

func (r *memConversationRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func (r *memConversationRepo) Create(ctx context.Context, conv *models.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv.ID = uuid.New()
	conv.CreatedAt = r.tick()
	conv.UpdatedAt = conv.CreatedAt
	cp := *conv
	r.conversations[conv.ID] = &cp
	return nil
}

func (r *memConversationRepo) GetByID(ctx context.Context, ownerID string, id uuid.UUID) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return nil, apperrors.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (r *memConversationRepo) List(ctx context.Context, ownerID, databaseID string, limit, offset int) ([]*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Conversation
	for _, c := range r.conversations {
		if c.OwnerID == ownerID && (databaseID == "" || c.DatabaseID == databaseID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if offset >= len(out) {
		return []*models.Conversation{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memConversationRepo) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return apperrors.ErrNotFound
	}
	delete(r.conversations, id)
	delete(r.messages, id)
	return nil
}

func (r *memConversationRepo) UpdateTitle(ctx context.Context, ownerID string, id uuid.UUID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return apperrors.ErrNotFound
	}
	conv.Title = &title
	return nil
}

func (r *memConversationRepo) AppendMessages(ctx context.Context, msgs ...*models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(msgs) == 0 {
		return nil
	}
	conv, ok := r.conversations[msgs[0].ConversationID]
	if !ok {
		return apperrors.ErrNotFound
	}
	for _, msg := range msgs {
		if msg.ConversationID != conv.ID {
			return apperrors.ErrInvalidInput
		}
	}
	for _, msg := range msgs {
		msg.ID = uuid.New()
		msg.CreatedAt = r.tick()
		conv.UpdatedAt = msg.CreatedAt
		cp := *msg
		r.messages[msg.ConversationID] = append(r.messages[msg.ConversationID], &cp)
	}
	return nil
}

func (r *memConversationRepo) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Message{}, r.messages[conversationID]...), nil
}

func (r *memConversationRepo) ListRecentMessages(ctx context.Context, conversationID uuid.UUID, limit int) ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[conversationID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]*models.Message{}, msgs...), nil
}

func (r *memConversationRepo) CountUserMessages(ctx context.Context, conversationID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages[conversationID] {
		if m.Role == models.MessageRoleUser {
			n++
		}
	}
	return n, nil
}

// mockWorkspaceContextRepo is a WorkspaceContextRepository backed by
// function fields. Unset functions fall through to an in-memory store with
// the same version semantics as Postgres.
type mockWorkspaceContextRepo struct {
	GetFunc         func(ctx context.Context, workspaceID uuid.UUID) (*models.WorkspaceContext, error)
	CreateFunc      func(ctx context.Context, wc *models.WorkspaceContext) error
	UpdateFunc      func(ctx context.Context, wc *models.WorkspaceContext) error
	SetEditableFunc func(ctx context.Context, workspaceID uuid.UUID, editable bool) error
	DeleteFunc      func(ctx context.Context, workspaceID uuid.UUID) error

	mu     sync.Mutex
	stored map[uuid.UUID]models.WorkspaceContext
}

func newMockWorkspaceContextRepo() *mockWorkspaceContextRepo {
	return &mockWorkspaceContextRepo{stored: make(map[uuid.UUID]models.WorkspaceContext)}
}

var _ repositories.WorkspaceContextRepository = (*mockWorkspaceContextRepo)(nil)

func (m *mockWorkspaceContextRepo) Get(ctx context.Context, workspaceID uuid.UUID) (*models.WorkspaceContext, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, workspaceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	wc, ok := m.stored[workspaceID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &wc, nil
}

func (m *mockWorkspaceContextRepo) Create(ctx context.Context, wc *models.WorkspaceContext) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, wc)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stored[wc.WorkspaceID]; ok {
		return apperrors.ErrConflict
	}
	wc.Version = 1
	m.stored[wc.WorkspaceID] = *wc
	return nil
}

func (m *mockWorkspaceContextRepo) Update(ctx context.Context, wc *models.WorkspaceContext) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, wc)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.stored[wc.WorkspaceID]
	if !ok || cur.Version != wc.Version {
		return apperrors.ErrConflict
	}
	wc.Version++
	m.stored[wc.WorkspaceID] = *wc
	return nil
}

func (m *mockWorkspaceContextRepo) SetEditable(ctx context.Context, workspaceID uuid.UUID, editable bool) error {
	if m.SetEditableFunc != nil {
		return m.SetEditableFunc(ctx, workspaceID, editable)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.stored[workspaceID]
	if !ok {
		return apperrors.ErrNotFound
	}
	cur.IsEditable = editable
	cur.Version++
	m.stored[workspaceID] = cur
	return nil
}

func (m *mockWorkspaceContextRepo) Delete(ctx context.Context, workspaceID uuid.UUID) error {
	if m.DeleteFunc != nil {
		return m.DeleteFunc(ctx, workspaceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stored[workspaceID]; !ok {
		return apperrors.ErrNotFound
	}
	delete(m.stored, workspaceID)
	return nil
}
