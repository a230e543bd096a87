// Package testhelpers provides utilities for testing ekaya-sqlagent components.
package testhelpers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// GenerateTestJWT creates a test JWT token for use when verification is disabled.
// The token has a valid structure but no signature (alg: none).
// It carries aud "sqlagent", which the validator requires. A non-empty
// workspaceIDs restricts the token to those workspaces.
func GenerateTestJWT(sub, email string, workspaceIDs ...string) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	payload := map[string]any{
		"sub": sub,
		"aud": "sqlagent",
	}
	if email != "" {
		payload["email"] = email
	}
	if len(workspaceIDs) > 0 {
		payload["wids"] = workspaceIDs
	}
	raw, _ := json.Marshal(payload)

	return fmt.Sprintf("%s.%s.", header, base64.RawURLEncoding.EncodeToString(raw))
}

// GenerateTestJWTWithBearer returns token with "Bearer " prefix for Authorization header.
func GenerateTestJWTWithBearer(sub, email string, workspaceIDs ...string) string {
	return "Bearer " + GenerateTestJWT(sub, email, workspaceIDs...)
}
