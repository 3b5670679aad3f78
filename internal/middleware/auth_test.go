package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecam/internal/auth"
)

func protectedHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims := GetUserFromContext(r.Context()); claims != nil {
			w.Write([]byte(claims.Username))
			return
		}
		w.Write([]byte("anonymous"))
	})
}

func TestAuthMiddleware(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.Config{Enabled: true, Username: "admin", Password: "pw", JWTSecret: "k"})
	require.NoError(t, err)
	token, _, err := a.Authenticate("admin", "pw")
	require.NoError(t, err)

	h := AuthMiddleware(a, "/health")(protectedHandler(t))

	tests := []struct {
		name   string
		target string
		header string
		status int
		body   string
	}{
		{"public path", "/health", "", http.StatusOK, "anonymous"},
		{"missing token", "/api/status", "", http.StatusUnauthorized, ""},
		{"bad scheme", "/api/status", "Basic abc", http.StatusUnauthorized, ""},
		{"invalid token", "/api/status", "Bearer nope", http.StatusUnauthorized, ""},
		{"bearer header", "/api/status", "Bearer " + token, http.StatusOK, "admin"},
		{"query token", "/stream/live?token=" + token, "", http.StatusOK, "admin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestAuthMiddleware_Disabled(t *testing.T) {
	a, err := auth.NewAuthenticator(auth.DefaultConfig())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	AuthMiddleware(a)(protectedHandler(t)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "anonymous", rec.Body.String())
}
