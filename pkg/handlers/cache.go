package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-sqlagent/pkg/auth"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/models"
	"github.com/ekaya-inc/ekaya-sqlagent/pkg/services"
)

// CacheResponse for GET /api/cache/{database_id}
type CacheResponse struct {
	DatabaseID string              `json:"database_id"`
	Metadata   *models.MetadataSet `json:"metadata"`
	Tables     []string            `json:"tables"`
	Empty      bool                `json:"empty"`
}

// ClearCacheResponse for DELETE /api/cache/{database_id}
type ClearCacheResponse struct {
	DatabaseID string `json:"database_id"`
	Removed    int    `json:"removed"`
}

// CacheHandler exposes the caller's metadata cache for one database.
type CacheHandler struct {
	store  services.MetadataStore
	logger *zap.Logger
}

// NewCacheHandler creates a new cache handler.
func NewCacheHandler(store services.MetadataStore, logger *zap.Logger) *CacheHandler {
	return &CacheHandler{store: store, logger: logger}
}

// RegisterRoutes registers the cache handler's routes on the given mux.
func (h *CacheHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware, ownerMiddleware OwnerMiddleware) {
	mux.HandleFunc("GET /api/cache/{database_id}",
		authMiddleware.RequireAuth(ownerMiddleware(h.Get)))
	mux.HandleFunc("DELETE /api/cache/{database_id}",
		authMiddleware.RequireAuth(ownerMiddleware(h.Clear)))
}

// Get handles GET /api/cache/{database_id}
func (h *CacheHandler) Get(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}

	set, err := h.store.Get(r.Context(), scope)
	if err != nil {
		writeServiceError(w, h.logger, "read metadata cache", err)
		return
	}

	writeSuccess(w, h.logger, http.StatusOK, CacheResponse{
		DatabaseID: scope.DatabaseID,
		Metadata:   set,
		Tables:     set.TableNames(),
		Empty:      set.IsEmpty(),
	}, "")
}

// Clear handles DELETE /api/cache/{database_id}
func (h *CacheHandler) Clear(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}

	n, err := h.store.Clear(r.Context(), scope)
	if err != nil {
		writeServiceError(w, h.logger, "clear metadata cache", err)
		return
	}

	h.logger.Info("Metadata cache cleared",
		zap.String("database_id", scope.DatabaseID),
		zap.Int("removed", n))
	writeSuccess(w, h.logger, http.StatusOK, ClearCacheResponse{DatabaseID: scope.DatabaseID, Removed: n}, "Metadata cache cleared")
}

func (h *CacheHandler) scope(w http.ResponseWriter, r *http.Request) (models.MetadataScope, bool) {
	databaseID, ok := ParseDatabaseID(w, r, h.logger)
	if !ok {
		return models.MetadataScope{}, false
	}
	ownerID, err := auth.OwnerIDFromContext(r.Context())
	if err != nil {
		writeError(w, h.logger, http.StatusUnauthorized, "unauthorized", "Authentication required")
		return models.MetadataScope{}, false
	}
	return models.MetadataScope{OwnerID: ownerID, DatabaseID: databaseID}, true
}
