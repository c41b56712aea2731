package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alekspetrov/ticketd/internal/testutil"
	"github.com/golang-jwt/jwt/v5"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewTokenService(testutil.FakeJWTSecret, time.Hour)

	token, expiresAt, err := svc.IssueToken("alice")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if time.Until(expiresAt) < 59*time.Minute {
		t.Errorf("expiresAt = %v, want about an hour out", expiresAt)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Owner != "alice" || claims.Subject != "alice" {
		t.Errorf("claims = %+v", claims)
	}

	if _, _, err := svc.IssueToken(""); !errors.Is(err, ErrMissingOwner) {
		t.Errorf("empty owner: err = %v", err)
	}
}

func TestValidateTokenRejects(t *testing.T) {
	svc := NewTokenService(testutil.FakeJWTSecret, time.Hour)

	sign := func(secret string, claims *Claims) string {
		t.Helper()
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	past := time.Now().Add(-2 * time.Hour)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-token", ErrInvalidToken},
		{"wrong secret", sign("other-secret", &Claims{
			Owner:            "alice",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "ticketd", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		}), ErrInvalidToken},
		{"expired", sign(testutil.FakeJWTSecret, &Claims{
			Owner:            "alice",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "ticketd", ExpiresAt: jwt.NewNumericDate(past)},
		}), ErrExpiredToken},
		{"foreign issuer", sign(testutil.FakeJWTSecret, &Claims{
			Owner:            "alice",
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		}), ErrInvalidToken},
		{"no owner", sign(testutil.FakeJWTSecret, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{Issuer: "ticketd", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		}), ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ValidateToken(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAuthenticateNone(t *testing.T) {
	auth, err := NewAuthenticator(&AuthConfig{Type: AuthTypeNone, DevOwner: "local"})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tickets", nil)
	if owner, err := auth.Authenticate(req); err != nil || owner != "local" {
		t.Errorf("default owner = %q, %v", owner, err)
	}

	req.Header.Set(OwnerHeader, "alice")
	if owner, _ := auth.Authenticate(req); owner != "alice" {
		t.Errorf("header owner = %q", owner)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws?owner=bob", nil)
	if owner, _ := auth.Authenticate(req); owner != "bob" {
		t.Errorf("query owner = %q", owner)
	}

	strict, _ := NewAuthenticator(&AuthConfig{Type: AuthTypeNone})
	if _, err := strict.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil)); !errors.Is(err, ErrMissingOwner) {
		t.Errorf("no owner: err = %v", err)
	}
}

func TestAuthenticateJWT(t *testing.T) {
	auth, err := NewAuthenticator(&AuthConfig{Type: AuthTypeJWT, JWTSecret: testutil.FakeJWTSecret})
	if err != nil {
		t.Fatal(err)
	}
	token, _, _ := NewTokenService(testutil.FakeJWTSecret, time.Hour).IssueToken("alice")

	tests := []struct {
		name    string
		header  string
		query   string
		want    string
		wantErr error
	}{
		{"bearer", "Bearer " + token, "", "alice", nil},
		{"lowercase scheme", "bearer " + token, "", "alice", nil},
		{"query param", "", "token=" + token, "alice", nil},
		{"missing", "", "", "", ErrMissingToken},
		{"basic scheme", "Basic " + token, "", "", ErrMissingToken},
		{"bad token", "Bearer nope", "", "", ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/api/v1/tickets"
			if tt.query != "" {
				target += "?" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			owner, err := auth.Authenticate(req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if owner != tt.want {
				t.Errorf("owner = %q, want %q", owner, tt.want)
			}
		})
	}
}

func TestMiddlewareSetsOwner(t *testing.T) {
	auth, _ := NewAuthenticator(&AuthConfig{Type: AuthTypeNone})

	var seen string
	h := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = OwnerFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(OwnerHeader, "alice")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if seen != "alice" {
		t.Errorf("owner in context = %q", seen)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}

	if _, ok := OwnerFromContext(context.Background()); ok {
		t.Error("empty context reported an owner")
	}
}
