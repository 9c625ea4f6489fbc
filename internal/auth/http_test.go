// ABOUTME: Tests for the HTTP bearer-token middleware
// ABOUTME: Covers missing/malformed headers and identity propagation

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMiddleware_MissingHeader(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"), nil)
	handler := Middleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestMiddleware_MalformedHeader(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"), nil)
	handler := Middleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached")
	}))

	for _, header := range []string{"Basic abc", "Bearer ", "token-without-scheme"} {
		req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		req.Header.Set("Authorization", header)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want %d", header, rec.Code, http.StatusUnauthorized)
		}
	}
}

func TestMiddleware_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"), nil)
	token, tokenID, err := verifier.Generate("user-1", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	var gotIdentity *Identity
	handler := Middleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentity = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if gotIdentity == nil {
		t.Fatal("identity not attached to context")
	}
	if gotIdentity.UserID != "user-1" || gotIdentity.TokenID != tokenID {
		t.Errorf("identity = %+v", gotIdentity)
	}
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier([]byte("secret"), nil)
	token, _, err := verifier.Generate("user-1", -time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	handler := Middleware(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestFromContext_Empty(t *testing.T) {
	if id := FromContext(context.Background()); id != nil {
		t.Errorf("FromContext on empty context = %+v, want nil", id)
	}
}
