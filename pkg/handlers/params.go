package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Paging bounds for list endpoints.
const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// ParseConversationID extracts and validates the conversation ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: cid
func ParseConversationID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "cid", "invalid_conversation_id", "Invalid conversation ID format", logger)
}

// ParseWorkspaceID extracts and validates the workspace ID from the request path.
// Expects path parameter: wid
func ParseWorkspaceID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "wid", "invalid_workspace_id", "Invalid workspace ID format", logger)
}

// ParseDatabaseID returns the client database identifier from the path.
// Database ids are opaque strings chosen by the client.
// Expects path parameter: database_id
func ParseDatabaseID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	id := strings.TrimSpace(r.PathValue("database_id"))
	if id == "" {
		writeError(w, logger, http.StatusBadRequest, "invalid_database_id", "Database ID is required")
		return "", false
	}
	return id, true
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	idStr := r.PathValue(pathParam)
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, logger, http.StatusBadRequest, errorCode, errorMessage)
		return uuid.Nil, false
	}
	return id, true
}

// parsePagination reads limit and offset query parameters. Missing values
// take defaults; malformed or negative values are rejected.
func parsePagination(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (limit, offset int, ok bool) {
	limit, offset = defaultPageLimit, 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, logger, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return 0, 0, false
		}
		limit = min(n, maxPageLimit)
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, logger, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}
