package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/reelsmith/backend/internal/models"
)

type stubAuthService struct {
	userID uuid.UUID
	err    error
}

func (s *stubAuthService) Register(context.Context, string, string, string) (*models.Account, error) {
	return nil, nil
}

func (s *stubAuthService) Login(context.Context, string, string) (string, error) {
	return "", nil
}

func (s *stubAuthService) ValidateToken(_ context.Context, _ string) (uuid.UUID, error) {
	return s.userID, s.err
}

// echoHandler writes the account ID BearerAuth resolved, for assertions.
var echoHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if id, ok := UserIDFromCtx(r.Context()); ok {
		w.Write([]byte(id.String()))
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
})

func TestBearerAuthValidToken(t *testing.T) {
	userID := uuid.New()
	handler := BearerAuth(&stubAuthService{userID: userID})(echoHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if rec.Body.String() != userID.String() {
		t.Errorf("resolved user: got %q, want %q", rec.Body.String(), userID)
	}
}

func TestBearerAuthMissingHeader(t *testing.T) {
	handler := BearerAuth(&stubAuthService{userID: uuid.New()})(echoHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", rec.Code)
	}
}

func TestBearerAuthInvalidToken(t *testing.T) {
	handler := BearerAuth(&stubAuthService{err: errors.New("token expired")})(echoHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer stale-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want 401", rec.Code)
	}
}

func TestBearerAuthMalformedHeader(t *testing.T) {
	handler := BearerAuth(&stubAuthService{userID: uuid.New()})(echoHandler)

	for _, value := range []string{"Basic dXNlcjpwYXNz", "Bearer", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
		req.Header.Set("Authorization", value)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: got %d, want 401", value, rec.Code)
		}
	}
}
