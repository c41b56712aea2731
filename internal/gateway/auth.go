package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthType defines the authentication method
type AuthType string

const (
	// AuthTypeNone trusts the owner named by the caller. Development only.
	AuthTypeNone AuthType = "none"
	// AuthTypeJWT requires an HS256 bearer token carrying the owner.
	AuthTypeJWT AuthType = "jwt"
)

// OwnerHeader names the owner when auth type is none.
const OwnerHeader = "X-Ticketd-Owner"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingToken = errors.New("missing authorization token")
	ErrMissingOwner = errors.New("missing owner")
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Type      AuthType      `yaml:"type"`
	JWTSecret string        `yaml:"jwt_secret,omitempty"`
	TokenTTL  time.Duration `yaml:"token_ttl,omitempty"`
	// DevOwner is used when auth type is none and the request names nobody.
	DevOwner string `yaml:"dev_owner,omitempty"`
}

// Claims represents the JWT claims
type Claims struct {
	Owner string `json:"owner"`
	jwt.RegisteredClaims
}

// TokenService issues and validates owner tokens.
type TokenService struct {
	secretKey []byte
	ttl       time.Duration
	issuer    string
}

// NewTokenService creates a new token service
func NewTokenService(secretKey string, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenService{
		secretKey: []byte(secretKey),
		ttl:       ttl,
		issuer:    "ticketd",
	}
}

// IssueToken creates a signed token for owner.
func (s *TokenService) IssueToken(owner string) (string, time.Time, error) {
	if owner == "" {
		return "", time.Time{}, ErrMissingOwner
	}
	now := time.Now()
	expiresAt := now.Add(s.ttl)
	claims := &Claims{
		Owner: owner,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Subject:   owner,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secretKey, nil
	}, jwt.WithIssuer(s.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Owner == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Authenticator resolves the owner behind a request.
type Authenticator struct {
	config *AuthConfig
	tokens *TokenService
}

// NewAuthenticator creates a new authenticator
func NewAuthenticator(config *AuthConfig) (*Authenticator, error) {
	if config == nil {
		config = &AuthConfig{Type: AuthTypeNone}
	}
	a := &Authenticator{config: config}
	switch config.Type {
	case AuthTypeNone, "":
	case AuthTypeJWT:
		if config.JWTSecret == "" {
			return nil, errors.New("jwt auth requires a secret")
		}
		a.tokens = NewTokenService(config.JWTSecret, config.TokenTTL)
	default:
		return nil, fmt.Errorf("unknown auth type %q", config.Type)
	}
	return a, nil
}

// Authenticate returns the owner a request acts for. Browsers cannot set
// headers on a WebSocket handshake, so the token may also travel in the
// "token" query parameter.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if a.tokens == nil {
		return a.devOwner(r)
	}

	token := extractBearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", ErrMissingToken
	}
	claims, err := a.tokens.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.Owner, nil
}

func (a *Authenticator) devOwner(r *http.Request) (string, error) {
	if owner := strings.TrimSpace(r.Header.Get(OwnerHeader)); owner != "" {
		return owner, nil
	}
	if owner := strings.TrimSpace(r.URL.Query().Get("owner")); owner != "" {
		return owner, nil
	}
	if a.config.DevOwner != "" {
		return a.config.DevOwner, nil
	}
	return "", ErrMissingOwner
}

// extractBearerToken extracts the bearer token from Authorization header
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}

	const prefix = "Bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}

	return auth[len(prefix):]
}

// Middleware returns an HTTP middleware that enforces authentication and
// stores the owner in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := a.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithOwner(r.Context(), owner)))
	})
}

type ownerContextKey struct{}

// ContextWithOwner attaches an authenticated owner to ctx.
func ContextWithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerContextKey{}, owner)
}

// OwnerFromContext returns the owner set by Middleware.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerContextKey{}).(string)
	return owner, ok && owner != ""
}
