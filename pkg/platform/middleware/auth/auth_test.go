package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"certify/pkg/requestcontext"
)

type stubValidator map[string]requestcontext.Principal

func (s stubValidator) ValidateToken(token string) (requestcontext.Principal, error) {
	p, ok := s[token]
	if !ok {
		return requestcontext.Principal{}, errors.New("bad token")
	}
	return p, nil
}

var (
	quiet     = slog.New(slog.NewTextHandler(io.Discard, nil))
	validator = stubValidator{
		"official": {Subject: "officer-1", IssuerID: "dept-health", Authority: "auth-1", Roles: []string{"official"}},
		"holder":   {Subject: "holder-1"},
	}
)

func serve(h http.Handler, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequireAuth(t *testing.T) {
	var seen requestcontext.Principal
	h := RequireAuth(validator, quiet)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = requestcontext.PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"empty bearer", "Bearer ", http.StatusUnauthorized},
		{"unknown token", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer official", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, tt.header)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	assert.Equal(t, "auth-1", seen.Authority)
}

func TestRequireRole(t *testing.T) {
	h := RequireAuth(validator, quiet)(RequireRole(quiet, "official", "admin")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	rec := serve(h, "Bearer official")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = serve(h, "Bearer holder")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	bare := RequireRole(quiet, "official")(http.NotFoundHandler())
	rec = serve(bare, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
