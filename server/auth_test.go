package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoTokenConfigured(t *testing.T) {
	s := &Server{config: Config{}}
	handler := s.authMiddleware(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/issues", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware(t *testing.T) {
	s := &Server{config: Config{AuthToken: "test-token-123"}}
	handler := s.authMiddleware(okHandler())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "valid token", path: "/issues", header: "Bearer test-token-123", want: http.StatusOK},
		{name: "wrong token", path: "/issues", header: "Bearer wrong-token", want: http.StatusUnauthorized},
		{name: "missing header", path: "/issues", want: http.StatusUnauthorized},
		{name: "basic scheme", path: "/issues", header: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
		{name: "issue state", path: "/issues/taz/2024-03-01/regular", want: http.StatusUnauthorized},
		{name: "retention", path: "/retention/run", want: http.StatusUnauthorized},
		{name: "work", path: "/work", want: http.StatusUnauthorized},
		{name: "health is open", path: "/health", want: http.StatusOK},
		{name: "metrics is open", path: "/metrics", want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)

			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
				var body map[string]string
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				assert.Equal(t, "unauthorized", body["error"])
			}
		})
	}
}
