package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func authRequest(auth *APIKeyAuth, path string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	t.Setenv("TOOLBRIDGE_API_KEYS", "")
	auth := NewAPIKeyAuth()

	if auth.Enabled() {
		t.Fatal("auth should be disabled without configured keys")
	}
	if rec := authRequest(auth, "/api/v1/accounts", nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 with auth disabled", rec.Code)
	}
}

func TestAPIKeyAuth_Enforced(t *testing.T) {
	t.Setenv("TOOLBRIDGE_API_KEYS", "key-a, key-b")
	auth := NewAPIKeyAuth()

	tests := []struct {
		name   string
		path   string
		mutate func(*http.Request)
		want   int
	}{
		{
			name: "missing key",
			path: "/api/v1/accounts",
			want: http.StatusUnauthorized,
		},
		{
			name:   "wrong key",
			path:   "/api/v1/accounts",
			mutate: func(r *http.Request) { r.Header.Set("X-API-Key", "nope") },
			want:   http.StatusUnauthorized,
		},
		{
			name:   "bearer token",
			path:   "/api/v1/accounts",
			mutate: func(r *http.Request) { r.Header.Set("Authorization", "Bearer key-a") },
			want:   http.StatusOK,
		},
		{
			name:   "x-api-key header",
			path:   "/api/v1/accounts",
			mutate: func(r *http.Request) { r.Header.Set("X-API-Key", "key-b") },
			want:   http.StatusOK,
		},
		{
			name: "health stays public",
			path: "/health",
			want: http.StatusOK,
		},
		{
			name: "version stays public",
			path: "/version",
			want: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := authRequest(auth, tt.path, tt.mutate); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
