package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/auth"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/services"
)

// ConversationListResponse for GET /api/conversations
type ConversationListResponse struct {
	Conversations []*models.Conversation `json:"conversations"`
	Limit         int                    `json:"limit"`
	Offset        int                    `json:"offset"`
}

// ConversationDetailResponse for GET /api/conversations/{cid}
type ConversationDetailResponse struct {
	*models.Conversation
	Messages []*models.Message `json:"messages"`
}

// ConversationsHandler exposes the conversation log.
type ConversationsHandler struct {
	conversationService services.ConversationService
	logger              *zap.Logger
}

// NewConversationsHandler creates a new conversations handler.
func NewConversationsHandler(conversationService services.ConversationService, logger *zap.Logger) *ConversationsHandler {
	return &ConversationsHandler{
		conversationService: conversationService,
		logger:              logger,
	}
}

// RegisterRoutes registers the conversations handler's routes on the given mux.
func (h *ConversationsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, ownerMiddleware OwnerMiddleware) {
	mux.HandleFunc("GET /api/conversations",
		authMiddleware.RequireAuth(ownerMiddleware(h.List)))
	mux.HandleFunc("GET /api/conversations/{cid}",
		authMiddleware.RequireAuth(ownerMiddleware(h.Get)))
	mux.HandleFunc("DELETE /api/conversations/{cid}",
		authMiddleware.RequireAuth(ownerMiddleware(h.Delete)))
}

// List handles GET /api/conversations?database_id=&limit=&offset=
func (h *ConversationsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := parsePagination(w, r, h.logger)
	if !ok {
		return
	}
	ownerID, err := auth.OwnerIDFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	convs, err := h.conversationService.List(r.Context(), ownerID, r.URL.Query().Get("database_id"), limit, offset)
	if err != nil {
		writeServiceError(w, h.logger, "list conversations", err)
		return
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}

	writeSuccess(w, h.logger, http.StatusOK, ConversationListResponse{
		Conversations: convs,
		Limit:         limit,
		Offset:        offset,
	}, "")
}

// Get handles GET /api/conversations/{cid}
func (h *ConversationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	convID, ok := ParseConversationID(w, r, h.logger)
	if !ok {
		return
	}
	ownerID, err := auth.OwnerIDFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	conv, err := h.conversationService.Get(r.Context(), ownerID, convID)
	if err != nil {
		writeServiceError(w, h.logger, "get conversation", err)
		return
	}
	msgs, err := h.conversationService.Messages(r.Context(), ownerID, convID)
	if err != nil {
		writeServiceError(w, h.logger, "get conversation messages", err)
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}

	writeSuccess(w, h.logger, http.StatusOK, ConversationDetailResponse{Conversation: conv, Messages: msgs}, "")
}

// Delete handles DELETE /api/conversations/{cid}
func (h *ConversationsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	convID, ok := ParseConversationID(w, r, h.logger)
	if !ok {
		return
	}
	ownerID, err := auth.OwnerIDFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	if err := h.conversationService.Delete(r.Context(), ownerID, convID); err != nil {
		writeServiceError(w, h.logger, "delete conversation", err)
		return
	}

	h.logger.Info("Conversation deleted", zap.String("conversation_id", convID.String()))
	writeSuccess(w, h.logger, http.StatusOK, nil, "Conversation deleted")
}
