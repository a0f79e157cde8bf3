package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/careline/triage/internal/shared/config"
	"github.com/careline/triage/internal/shared/types"
)

type contextKey string

const (
	PrincipalContextKey contextKey = "principal"
)

// Roles carried in the token.
const (
	RolePatient  = "patient"
	RoleProvider = "provider"
	RoleAdmin    = "admin"
)

// Principal represents the authenticated caller from JWT claims
type Principal struct {
	ID         types.ID `json:"sub"`
	Roles      []string `json:"roles"`
	ProviderID string   `json:"provider_id,omitempty"`
	Language   string   `json:"language,omitempty"`
}

// Claims extends JWT claims with triage-specific data
type Claims struct {
	jwt.RegisteredClaims
	Roles      []string `json:"roles"`
	ProviderID string   `json:"provider_id,omitempty"`
	Language   string   `json:"language,omitempty"`
}

// Middleware creates JWT authentication middleware
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, tokenString, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || !strings.EqualFold(scheme, "bearer") || tokenString == "" {
				writeError(w, http.StatusUnauthorized, "missing or malformed authorization header")
				return
			}

			principal, err := ParseToken(cfg, tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalContextKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ParseToken validates a signed token and returns its principal.
func ParseToken(cfg config.AuthConfig, tokenString string) (*Principal, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return &Principal{
		ID:         types.ID(claims.Subject),
		Roles:      claims.Roles,
		ProviderID: claims.ProviderID,
		Language:   claims.Language,
	}, nil
}

// IssueToken signs a token for the principal. Used by tooling and tests.
func IssueToken(cfg config.AuthConfig, p Principal, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = p.ID.String()
	if claims.Issuer == "" {
		claims.Issuer = cfg.Issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: claims,
		Roles:            p.Roles,
		ProviderID:       p.ProviderID,
		Language:         p.Language,
	})
	return token.SignedString([]byte(cfg.JWTSecret))
}

// GetPrincipal extracts the principal from request context
func GetPrincipal(ctx context.Context) *Principal {
	p, _ := ctx.Value(PrincipalContextKey).(*Principal)
	return p
}

// WithPrincipal stores a principal on the context. Development mode uses it
// in place of token validation.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// RequireRoles creates middleware that requires any of the given roles
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := GetPrincipal(r.Context())
			if p == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if !p.HasAnyRole(roles...) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HasAnyRole checks if the principal holds one of the roles
func (p *Principal) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if slices.Contains(p.Roles, role) {
			return true
		}
	}
	return false
}

// CanActFor reports whether the principal may act on the patient's behalf.
func (p *Principal) CanActFor(patientID string) bool {
	return p.ID.String() == patientID || p.HasAnyRole(RoleProvider, RoleAdmin)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"code": "UNAUTHORIZED", "message": message})
}
