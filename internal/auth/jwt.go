// Package auth resolves the owner of a request from a bearer token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// AnonymousOwner is the owner used in development mode when no header is sent.
const AnonymousOwner = "anonymous"

// OwnerHeader names the owner in development mode.
const OwnerHeader = "X-Owner-ID"

// Claims holds the registered claims plus the owner id.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

type ctxKey struct{}

// Authenticator issues and checks HS256 tokens. With an empty secret it runs
// in development mode and trusts the X-Owner-ID header.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// DevMode reports whether tokens are ignored.
func (a *Authenticator) DevMode() bool {
	return len(a.secret) == 0
}

// GenerateToken signs a token for userID.
func (a *Authenticator) GenerateToken(userID string) (string, error) {
	if a.DevMode() {
		return "", fmt.Errorf("no signing secret configured")
	}
	now := a.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
		UserID: userID,
	})
	return token.SignedString(a.secret)
}

// ParseToken validates tokenString and returns its claims.
func (a *Authenticator) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware puts the owner id on the request context. Requests without a
// valid token are rejected with 401 unless the authenticator is in
// development mode.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := a.ownerOf(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintf(w, `{"error":%q,"kind":"unauthorized"}`, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
	})
}

func (a *Authenticator) ownerOf(r *http.Request) (string, error) {
	if a.DevMode() {
		if owner := strings.TrimSpace(r.Header.Get(OwnerHeader)); owner != "" {
			return owner, nil
		}
		return AnonymousOwner, nil
	}

	header := r.Header.Get("Authorization")
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(tokenString) == "" {
		return "", ErrMissingToken
	}
	claims, err := a.ParseToken(strings.TrimSpace(tokenString))
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ctxKey{}, owner)
}

// OwnerFromContext returns the owner set by Middleware, or AnonymousOwner.
func OwnerFromContext(ctx context.Context) string {
	if owner, ok := ctx.Value(ctxKey{}).(string); ok && owner != "" {
		return owner
	}
	return AnonymousOwner
}
