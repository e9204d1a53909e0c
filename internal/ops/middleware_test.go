package ops

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/dispatchmail/policyd/internal/config"
	"github.com/dispatchmail/policyd/internal/logging"
)

func authServer(t *testing.T, tokenHash string) *Server {
	t.Helper()
	return &Server{
		cfg:    config.OpsConfig{TokenHash: tokenHash},
		logger: logging.Default(),
	}
}

func TestWithAuthDisabledWhenNoHash(t *testing.T) {
	s := authServer(t, "")
	called := false
	handler := s.withAuth(func(w http.ResponseWriter, r *http.Request) { called = true })

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/v1/dispositions", nil))

	if !called || rec.Code != http.StatusOK {
		t.Errorf("handler called = %v, code = %d", called, rec.Code)
	}
}

func TestWithAuthTokens(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sesame"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	s := authServer(t, string(hash))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer sesame", http.StatusOK},
		{"case-insensitive scheme", "bearer sesame", http.StatusOK},
		{"wrong token", "Bearer opensesame", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic sesame", http.StatusUnauthorized},
		{"bare scheme", "Bearer ", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := s.withAuth(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})
			req := httptest.NewRequest(http.MethodGet, "/v1/dispositions", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusUnauthorized && tt.header == "" {
				if rec.Header().Get("WWW-Authenticate") != "Bearer" {
					t.Error("missing WWW-Authenticate challenge")
				}
			}
		})
	}
}
