package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/auth"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/services"
)

// ============================================================================
// Request Types
// ============================================================================

// SatisfactionRequest for POST /api/conversations/{cid}/satisfaction
type SatisfactionRequest struct {
	Satisfied *bool  `json:"satisfied"`
	Notes     string `json:"notes,omitempty"`
}

// ============================================================================
// Handler
// ============================================================================

// QueryHandler runs conversation turns over HTTP.
type QueryHandler struct {
	queryService services.QueryService
	logger       *zap.Logger
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(queryService services.QueryService, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{
		queryService: queryService,
		logger:       logger,
	}
}

// RegisterRoutes registers the query handler's routes on the given mux.
func (h *QueryHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, ownerMiddleware OwnerMiddleware) {
	mux.HandleFunc("POST /api/query",
		authMiddleware.RequireAuth(ownerMiddleware(h.Ask)))
	mux.HandleFunc("POST /api/conversations/{cid}/metadata",
		authMiddleware.RequireAuth(ownerMiddleware(h.SubmitMetadata)))
	mux.HandleFunc("POST /api/conversations/{cid}/error-feedback",
		authMiddleware.RequireAuth(ownerMiddleware(h.ReportError)))
	mux.HandleFunc("POST /api/conversations/{cid}/satisfaction",
		authMiddleware.RequireAuth(ownerMiddleware(h.Satisfaction)))
}

// Ask handles POST /api/query
func (h *QueryHandler) Ask(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.GetClaims(r.Context())
	if !ok {
		writeError(w, h.logger, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	var req services.AskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.WorkspaceID != nil && !claims.CanAccessWorkspace(req.WorkspaceID.String()) {
		writeError(w, h.logger, http.StatusForbidden, "forbidden", "Workspace access denied")
		return
	}

	result, err := h.queryService.Ask(r.Context(), claims.Subject, &req)
	if err != nil {
		writeServiceError(w, h.logger, "process query", err)
		return
	}
	writeSuccess(w, h.logger, http.StatusOK, result, "")
}

// SubmitMetadata handles POST /api/conversations/{cid}/metadata
func (h *QueryHandler) SubmitMetadata(w http.ResponseWriter, r *http.Request) {
	convID, ok := ParseConversationID(w, r, h.logger)
	if !ok {
		return
	}

	var sub models.MetadataSubmission
	if err := decodeJSON(w, r, &sub); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	ownerID, err := auth.OwnerIDFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	result, err := h.queryService.SubmitMetadata(r.Context(), ownerID, convID, sub)
	if err != nil {
		writeServiceError(w, h.logger, "process metadata", err)
		return
	}
	writeSuccess(w, h.logger, http.StatusOK, result, "")
}

// ReportError handles POST /api/conversations/{cid}/error-feedback
func (h *QueryHandler) ReportError(w http.ResponseWriter, r *http.Request) {
	convID, ok := ParseConversationID(w, r, h.logger)
	if !ok {
		return
	}

	var feedback models.ErrorFeedback
	if err := decodeJSON(w, r, &feedback); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	ownerID, err := auth.OwnerIDFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	result, err := h.queryService.ReportError(r.Context(), ownerID, convID, feedback)
	if err != nil {
		writeServiceError(w, h.logger, "process error feedback", err)
		return
	}
	writeSuccess(w, h.logger, http.StatusOK, result, "")
}

// Satisfaction handles POST /api/conversations/{cid}/satisfaction
func (h *QueryHandler) Satisfaction(w http.ResponseWriter, r *http.Request) {
	convID, ok := ParseConversationID(w, r, h.logger)
	if !ok {
		return
	}

	var req SatisfactionRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Satisfied == nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Body must include satisfied")
		return
	}

	ownerID, err := auth.OwnerIDFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return
	}

	result, err := h.queryService.MarkSatisfied(r.Context(), ownerID, convID, *req.Satisfied, req.Notes)
	if err != nil {
		writeServiceError(w, h.logger, "record satisfaction", err)
		return
	}
	writeSuccess(w, h.logger, http.StatusOK, result, result.Message)
}
