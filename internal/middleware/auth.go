// Package middleware provides HTTP middleware for the sandbox backend.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for the token subject.
	UserIDKey ContextKey = "user_id"
	// ChatIDKey is the context key for the chat a guest token is bound to.
	ChatIDKey ContextKey = "chat_id"
	// NameKey is the context key for the display name carried by the token.
	NameKey ContextKey = "name"
	// ScopesKey is the context key for JWT scopes.
	ScopesKey ContextKey = "scopes"
)

// ScopeAgent grants the operator endpoints.
const ScopeAgent = "agent"

// Claims represents JWT claims. Guest tokens carry the chat they were issued
// for; user tokens carry none and may open any chat they own.
type Claims struct {
	jwt.RegisteredClaims
	ChatID string   `json:"chat_id,omitempty"`
	Name   string   `json:"name,omitempty"`
	Scopes []string `json:"scope,omitempty"`
}

var errMissingToken = errors.New("missing authorization")

// IssueToken signs claims with an expiry of ttl.
func IssueToken(secret string, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	if claims.ID == "" {
		claims.ID = uuid.NewString()
	}
	claims.IssuedAt = jwt.NewNumericDate(now)
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken verifies tokenString and returns its claims.
func ParseToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// bearer extracts the token from the Authorization header, or from the token
// query parameter for clients that cannot set headers.
func bearer(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if q := r.URL.Query().Get("token"); q != "" {
			return q, nil
		}
		return "", errMissingToken
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
	ctx = context.WithValue(ctx, ChatIDKey, claims.ChatID)
	ctx = context.WithValue(ctx, NameKey, claims.Name)
	ctx = context.WithValue(ctx, ScopesKey, claims.Scopes)
	return ctx
}

// Auth creates JWT authentication middleware.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearer(r)
			if errors.Is(err, errMissingToken) {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}
			if err != nil {
				http.Error(w, `{"error":"invalid authorization header format"}`, http.StatusUnauthorized)
				return
			}

			claims, err := ParseToken(jwtSecret, tokenString)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// OptionalAuth authenticates the request when a credential is present and
// passes anonymous requests through.
func OptionalAuth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearer(r)
			if errors.Is(err, errMissingToken) {
				next.ServeHTTP(w, r)
				return
			}
			if err != nil {
				http.Error(w, `{"error":"invalid authorization header format"}`, http.StatusUnauthorized)
				return
			}

			claims, err := ParseToken(jwtSecret, tokenString)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	return stringValue(ctx, UserIDKey)
}

// GetChatID gets the chat a guest token is bound to.
func GetChatID(ctx context.Context) string {
	return stringValue(ctx, ChatIDKey)
}

// GetName gets the display name from context.
func GetName(ctx context.Context) string {
	return stringValue(ctx, NameKey)
}

// GetScopes gets scopes from context.
func GetScopes(ctx context.Context) []string {
	if v, ok := ctx.Value(ScopesKey).([]string); ok {
		return v
	}
	return nil
}

// HasScope checks if the context has a specific scope.
func HasScope(ctx context.Context, scope string) bool {
	scopes := GetScopes(ctx)
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RequireScope creates middleware that requires a specific scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasScope(r.Context(), scope) {
				http.Error(w, `{"error":"insufficient permissions"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CanAccessChat reports whether the authenticated caller may use chatID,
// owned by ownerID.
func CanAccessChat(ctx context.Context, chatID, ownerID string) bool {
	if HasScope(ctx, ScopeAgent) {
		return true
	}
	if bound := GetChatID(ctx); bound != "" {
		return bound == chatID
	}
	user := GetUserID(ctx)
	return user != "" && user == ownerID
}
