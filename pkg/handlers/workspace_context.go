package handlers

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/auth"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/services"
)

const (
	contentTypeYAML     = "application/yaml"
	contentTypeYAMLAlt  = "application/x-yaml"
	contentTypeTextYAML = "text/yaml"
)

// SetEditableRequest for PUT /api/workspaces/{wid}/context/editable
type SetEditableRequest struct {
	IsEditable *bool `json:"is_editable"`
}

// WorkspaceContextHandler exposes a workspace's learned context for review,
// export and hand editing.
type WorkspaceContextHandler struct {
	contextService services.WorkspaceContextService
	logger         *zap.Logger
}

// NewWorkspaceContextHandler creates a new workspace context handler.
func NewWorkspaceContextHandler(contextService services.WorkspaceContextService, logger *zap.Logger) *WorkspaceContextHandler {
	return &WorkspaceContextHandler{
		contextService: contextService,
		logger:         logger,
	}
}

// RegisterRoutes registers the workspace context routes on the given mux.
// Access is decided by the workspace claims; ownerMiddleware only supplies
// the database connection.
func (h *WorkspaceContextHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, ownerMiddleware OwnerMiddleware) {
	access := authMiddleware.RequireWorkspaceAccess("wid")
	base := "/api/workspaces/{wid}/context"

	mux.HandleFunc("GET "+base, authMiddleware.RequireAuth(access(ownerMiddleware(h.Get))))
	mux.HandleFunc("PUT "+base, authMiddleware.RequireAuth(access(ownerMiddleware(h.Replace))))
	mux.HandleFunc("DELETE "+base, authMiddleware.RequireAuth(access(ownerMiddleware(h.Delete))))
	mux.HandleFunc("PUT "+base+"/editable", authMiddleware.RequireAuth(access(ownerMiddleware(h.SetEditable))))
}

// Get handles GET /api/workspaces/{wid}/context. Clients sending
// Accept: application/yaml receive the bare context as YAML.
func (h *WorkspaceContextHandler) Get(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := ParseWorkspaceID(w, r, h.logger)
	if !ok {
		return
	}

	wc, err := h.contextService.Get(r.Context(), workspaceID)
	if err != nil {
		writeServiceError(w, h.logger, "get workspace context", err)
		return
	}

	if wantsYAML(r.Header.Get("Accept")) {
		out, err := yaml.Marshal(wc)
		if err != nil {
			writeServiceError(w, h.logger, "encode workspace context", err)
			return
		}
		w.Header().Set("Content-Type", contentTypeYAML)
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			h.logger.Error("Failed to write response", zap.Error(err))
		}
		return
	}

	writeSuccess(w, h.logger, http.StatusOK, wc, "")
}

// Replace handles PUT /api/workspaces/{wid}/context. The body is a context
// fragment in JSON or, with a YAML Content-Type, YAML.
func (h *WorkspaceContextHandler) Replace(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := ParseWorkspaceID(w, r, h.logger)
	if !ok {
		return
	}

	fragment, err := h.decodeFragment(w, r)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	wc, err := h.contextService.Replace(r.Context(), workspaceID, fragment)
	if err != nil {
		writeServiceError(w, h.logger, "replace workspace context", err)
		return
	}

	h.logger.Info("Workspace context replaced",
		zap.String("workspace_id", workspaceID.String()),
		zap.Int64("version", wc.Version))
	writeSuccess(w, h.logger, http.StatusOK, wc, "Workspace context replaced")
}

// SetEditable handles PUT /api/workspaces/{wid}/context/editable
func (h *WorkspaceContextHandler) SetEditable(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := ParseWorkspaceID(w, r, h.logger)
	if !ok {
		return
	}

	var req SetEditableRequest
	if err := decodeJSON(w, r, &req); err != nil || req.IsEditable == nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Body must include is_editable")
		return
	}

	wc, err := h.contextService.SetEditable(r.Context(), workspaceID, *req.IsEditable)
	if err != nil {
		writeServiceError(w, h.logger, "update workspace context", err)
		return
	}
	writeSuccess(w, h.logger, http.StatusOK, wc, "")
}

// Delete handles DELETE /api/workspaces/{wid}/context
func (h *WorkspaceContextHandler) Delete(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := ParseWorkspaceID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.contextService.Delete(r.Context(), workspaceID); err != nil {
		writeServiceError(w, h.logger, "delete workspace context", err)
		return
	}

	h.logger.Info("Workspace context deleted", zap.String("workspace_id", workspaceID.String()))
	writeSuccess(w, h.logger, http.StatusOK, nil, "Workspace context deleted")
}

func (h *WorkspaceContextHandler) decodeFragment(w http.ResponseWriter, r *http.Request) (models.ContextFragment, error) {
	var fragment models.ContextFragment

	if !isYAML(r.Header.Get("Content-Type")) {
		if err := decodeJSON(w, r, &fragment); err != nil {
			return fragment, fmt.Errorf("invalid JSON body: %w", err)
		}
		return fragment, nil
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fragment, fmt.Errorf("read body: %w", err)
	}
	if err := yaml.Unmarshal(body, &fragment); err != nil {
		return fragment, fmt.Errorf("invalid YAML body: %w", err)
	}
	return fragment, nil
}

func isYAML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case contentTypeYAML, contentTypeYAMLAlt, contentTypeTextYAML:
		return true
	}
	return false
}

// wantsYAML reports whether a YAML type appears in the Accept header.
func wantsYAML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		if isYAML(strings.TrimSpace(part)) {
			return true
		}
	}
	return false
}
