package auth

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// Middleware provides HTTP authentication middleware.
// It is thin and delegates authentication logic to AuthService.
type Middleware struct {
	authService AuthService
	logger      *zap.Logger
}

// NewMiddleware creates a new auth middleware with the given AuthService.
func NewMiddleware(authService AuthService, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		logger:      logger,
	}
}

// RequireAuth validates the bearer token and stores claims and token in the
// request context for downstream handlers.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, token, err := m.authService.ValidateRequest(r)
		if err != nil {
			m.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
			return
		}

		next(w, r.WithContext(WithClaims(r.Context(), claims, token)))
	}
}

// RequireWorkspaceAccess must run after RequireAuth. It rejects requests
// whose token does not grant the workspace named by the path parameter.
func (m *Middleware) RequireWorkspaceAccess(pathParamName string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaims(r.Context())
			if !ok {
				m.writeError(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
				return
			}

			workspaceID := r.PathValue(pathParamName)
			if !claims.CanAccessWorkspace(workspaceID) {
				m.logger.Warn("Workspace access denied",
					zap.String("subject", claims.Subject),
					zap.String("workspace_id", workspaceID))
				m.writeError(w, http.StatusForbidden, "forbidden", "Workspace access denied")
				return
			}
			next(w, r)
		}
	}
}

func (m *Middleware) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
