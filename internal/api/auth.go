package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin may run any owner's jobs.
const RoleAdmin = "admin"

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Role   string
	Email  string
}

// IsAdmin reports whether p carries the admin role.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type AuthConfig struct {
	// JWTSecret enables HS256 bearer tokens when set.
	JWTSecret string
	// AllowDevAuth accepts X-User-Id / X-User-Role headers without a token.
	AllowDevAuth bool
	DefaultRole  string
}

type principalKey struct{}

// PrincipalFrom returns the principal stored by Authenticate.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Authenticate resolves the caller from a bearer token or, when enabled,
// the development headers. Requests with neither are rejected with 401.
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = "user"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "bearer "
			if len(auth) >= len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
				p, err := parseToken(strings.TrimSpace(auth[len(prefix):]), cfg)
				if err != nil {
					httpError(w, r, http.StatusUnauthorized, "unauthorized", "invalid token: %v", err)
					return
				}
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
				return
			}

			if userID := r.Header.Get("X-User-Id"); cfg.AllowDevAuth && userID != "" {
				role := r.Header.Get("X-User-Role")
				if role == "" {
					role = cfg.DefaultRole
				}
				p := Principal{UserID: userID, Role: role}
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
				return
			}

			httpError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
		})
	}
}

func parseToken(tokenStr string, cfg AuthConfig) (Principal, error) {
	if tokenStr == "" {
		return Principal{}, fmt.Errorf("empty bearer token")
	}
	if cfg.JWTSecret == "" {
		return Principal{}, fmt.Errorf("JWT verification is not configured")
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Principal{}, fmt.Errorf("parsing token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("invalid claims")
	}
	p := Principal{
		UserID: claimString(claims, "sub"),
		Role:   claimString(claims, "role"),
		Email:  claimString(claims, "email"),
	}
	if p.UserID == "" {
		p.UserID = claimString(claims, "user_id")
	}
	if p.UserID == "" {
		return Principal{}, fmt.Errorf("token missing subject")
	}
	if p.Role == "" {
		p.Role = cfg.DefaultRole
	}
	return p, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	v, ok := claims[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// SignToken issues an HS256 token for p. Used by tests and the CLI.
func SignToken(secret string, p Principal) (string, error) {
	claims := jwt.MapClaims{"sub": p.UserID}
	if p.Role != "" {
		claims["role"] = p.Role
	}
	if p.Email != "" {
		claims["email"] = p.Email
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
