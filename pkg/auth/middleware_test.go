package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

// mockAuthService is a mock implementation of AuthService for testing.
type mockAuthService struct {
	claims      *Claims
	token       string
	validateErr error
}

func (m *mockAuthService) ValidateRequest(r *http.Request) (*Claims, string, error) {
	if m.validateErr != nil {
		return nil, "", m.validateErr
	}
	return m.claims, m.token, nil
}

// mockValidator is a TokenValidator backed by a function field.
type mockValidator struct {
	ValidateFunc func(token string) (*Claims, error)
}

func (m *mockValidator) ValidateToken(token string) (*Claims, error) {
	return m.ValidateFunc(token)
}

func (m *mockValidator) Close() {}

func TestMiddleware_RequireAuth_Success(t *testing.T) {
	claims := &Claims{}
	claims.Subject = "owner-1"
	middleware := NewMiddleware(&mockAuthService{claims: claims, token: "test-token"}, zap.NewNop())

	var ctxClaims *Claims
	var ctxToken string
	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		ctxClaims, _ = GetClaims(r.Context())
		ctxToken, _ = GetToken(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if ctxClaims == nil || ctxClaims.Subject != "owner-1" {
		t.Error("expected claims to be set in context")
	}
	if ctxToken != "test-token" {
		t.Errorf("expected token 'test-token' in context, got %q", ctxToken)
	}
}

func TestMiddleware_RequireAuth_Unauthorized(t *testing.T) {
	middleware := NewMiddleware(&mockAuthService{validateErr: ErrMissingAuthorization}, zap.NewNop())

	called := false
	handler := middleware.RequireAuth(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/conversations", nil))

	if called {
		t.Error("handler must not run without auth")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "unauthorized" {
		t.Errorf("expected error=unauthorized, got %q", body["error"])
	}
}

func TestMiddleware_RequireWorkspaceAccess(t *testing.T) {
	claims := &Claims{WorkspaceIDs: []string{"ws-1"}}
	claims.Subject = "owner-1"
	middleware := NewMiddleware(&mockAuthService{claims: claims}, zap.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/workspaces/{wid}/context",
		middleware.RequireAuth(middleware.RequireWorkspaceAccess("wid")(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})))

	tests := []struct {
		path string
		want int
	}{
		{"/api/workspaces/ws-1/context", http.StatusNoContent},
		{"/api/workspaces/ws-2/context", http.StatusForbidden},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.want, rec.Code)
		}
	}
}

func TestAuthService_ValidateRequest(t *testing.T) {
	claims := &Claims{}
	claims.Subject = "owner-1"

	var seen string
	svc := NewAuthService(&mockValidator{ValidateFunc: func(token string) (*Claims, error) {
		seen = token
		return claims, nil
	}}, zap.NewNop())

	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"missing header", "", ErrMissingAuthorization},
		{"basic scheme", "Basic abc", ErrInvalidAuthFormat},
		{"bearer without token", "Bearer ", ErrInvalidAuthFormat},
		{"no scheme", "abc", ErrInvalidAuthFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if _, _, err := svc.ValidateRequest(req); err != tt.wantErr {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "bearer abc.def.ghi")
	got, token, err := svc.ValidateRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Subject != "owner-1" || token != "abc.def.ghi" || seen != "abc.def.ghi" {
		t.Errorf("unexpected result: %v %q %q", got, token, seen)
	}
}
