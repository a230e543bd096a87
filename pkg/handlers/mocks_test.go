package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/auth"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/services"
)

// ============================================================================
// Auth
// ============================================================================

// stubAuthService accepts "Bearer <subject>" and, optionally, restricts the
// token to workspaces.
type stubAuthService struct {
	workspaceIDs []string
}

func (s *stubAuthService) ValidateRequest(r *http.Request) (*auth.Claims, string, error) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil, "", auth.ErrMissingAuthorization
	}
	claims := &auth.Claims{WorkspaceIDs: s.workspaceIDs}
	claims.Subject = token
	return claims, token, nil
}

func newTestAuth(workspaceIDs ...string) *auth.Middleware {
	return auth.NewMiddleware(&stubAuthService{workspaceIDs: workspaceIDs}, zap.NewNop())
}

// passthroughOwner stands in for the database owner scope.
func passthroughOwner(next http.HandlerFunc) http.HandlerFunc { return next }

var errBoom = errors.New("boom: connection reset by peer")

// ============================================================================
// Services
// ============================================================================

type mockQueryService struct {
	AskFunc            func(ctx context.Context, ownerID string, req *services.AskRequest) (*services.TurnResult, error)
	SubmitMetadataFunc func(ctx context.Context, ownerID string, convID uuid.UUID, sub models.MetadataSubmission) (*services.TurnResult, error)
	ReportErrorFunc    func(ctx context.Context, ownerID string, convID uuid.UUID, fb models.ErrorFeedback) (*services.TurnResult, error)
	MarkSatisfiedFunc  func(ctx context.Context, ownerID string, convID uuid.UUID, satisfied bool, notes string) (*services.SatisfactionResult, error)
}

var _ services.QueryService = (*mockQueryService)(nil)

func (m *mockQueryService) Ask(ctx context.Context, ownerID string, req *services.AskRequest) (*services.TurnResult, error) {
	return m.AskFunc(ctx, ownerID, req)
}

func (m *mockQueryService) SubmitMetadata(ctx context.Context, ownerID string, convID uuid.UUID, sub models.MetadataSubmission) (*services.TurnResult, error) {
	return m.SubmitMetadataFunc(ctx, ownerID, convID, sub)
}

func (m *mockQueryService) ReportError(ctx context.Context, ownerID string, convID uuid.UUID, fb models.ErrorFeedback) (*services.TurnResult, error) {
	return m.ReportErrorFunc(ctx, ownerID, convID, fb)
}

func (m *mockQueryService) MarkSatisfied(ctx context.Context, ownerID string, convID uuid.UUID, satisfied bool, notes string) (*services.SatisfactionResult, error) {
	return m.MarkSatisfiedFunc(ctx, ownerID, convID, satisfied, notes)
}

// mockConversationService implements the read side used by handlers; the
// write methods are unused and panic.
type mockConversationService struct {
	services.ConversationService

	GetFunc      func(ctx context.Context, ownerID string, id uuid.UUID) (*models.Conversation, error)
	ListFunc     func(ctx context.Context, ownerID, databaseID string, limit, offset int) ([]*models.Conversation, error)
	DeleteFunc   func(ctx context.Context, ownerID string, id uuid.UUID) error
	MessagesFunc func(ctx context.Context, ownerID string, id uuid.UUID) ([]*models.Message, error)
}

func (m *mockConversationService) Get(ctx context.Context, ownerID string, id uuid.UUID) (*models.Conversation, error) {
	return m.GetFunc(ctx, ownerID, id)
}

func (m *mockConversationService) List(ctx context.Context, ownerID, databaseID string, limit, offset int) ([]*models.Conversation, error) {
	return m.ListFunc(ctx, ownerID, databaseID, limit, offset)
}

func (m *mockConversationService) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	return m.DeleteFunc(ctx, ownerID, id)
}

func (m *mockConversationService) Messages(ctx context.Context, ownerID string, id uuid.UUID) ([]*models.Message, error) {
	return m.MessagesFunc(ctx, ownerID, id)
}

type mockMetadataStore struct {
	GetFunc   func(ctx context.Context, scope models.MetadataScope) (*models.MetadataSet, error)
	ClearFunc func(ctx context.Context, scope models.MetadataScope) (int, error)
}

var _ services.MetadataStore = (*mockMetadataStore)(nil)

func (m *mockMetadataStore) Get(ctx context.Context, scope models.MetadataScope) (*models.MetadataSet, error) {
	return m.GetFunc(ctx, scope)
}

func (m *mockMetadataStore) Put(ctx context.Context, scope models.MetadataScope, sub models.MetadataSubmission) (*models.MetadataSet, error) {
	return nil, errors.New("not implemented")
}

func (m *mockMetadataStore) Clear(ctx context.Context, scope models.MetadataScope) (int, error) {
	return m.ClearFunc(ctx, scope)
}

func (m *mockMetadataStore) ClearAll(ctx context.Context) (int, error) { return 0, nil }

func (m *mockMetadataStore) CleanupExpired(ctx context.Context) (int, error) { return 0, nil }

type mockWorkspaceContextService struct {
	GetFunc         func(ctx context.Context, workspaceID uuid.UUID) (*models.WorkspaceContext, error)
	ReplaceFunc     func(ctx context.Context, workspaceID uuid.UUID, fragment models.ContextFragment) (*models.WorkspaceContext, error)
	SetEditableFunc func(ctx context.Context, workspaceID uuid.UUID, editable bool) (*models.WorkspaceContext, error)
	DeleteFunc      func(ctx context.Context, workspaceID uuid.UUID) error
}

var _ services.WorkspaceContextService = (*mockWorkspaceContextService)(nil)

func (m *mockWorkspaceContextService) Get(ctx context.Context, workspaceID uuid.UUID) (*models.WorkspaceContext, error) {
	return m.GetFunc(ctx, workspaceID)
}

func (m *mockWorkspaceContextService) Merge(ctx context.Context, workspaceID uuid.UUID, fragment models.ContextFragment, attributedTo string, source *uuid.UUID) (*models.WorkspaceContext, error) {
	return nil, errors.New("not implemented")
}

func (m *mockWorkspaceContextService) Replace(ctx context.Context, workspaceID uuid.UUID, fragment models.ContextFragment) (*models.WorkspaceContext, error) {
	return m.ReplaceFunc(ctx, workspaceID, fragment)
}

func (m *mockWorkspaceContextService) SetEditable(ctx context.Context, workspaceID uuid.UUID, editable bool) (*models.WorkspaceContext, error) {
	return m.SetEditableFunc(ctx, workspaceID, editable)
}

func (m *mockWorkspaceContextService) Delete(ctx context.Context, workspaceID uuid.UUID) error {
	return m.DeleteFunc(ctx, workspaceID)
}
