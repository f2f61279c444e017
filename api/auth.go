package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role scopes what a management caller may do
type Role string

const (
	// RoleAdmin may address any tenant with ?tenant=
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	// RoleViewer may only read
	RoleViewer Role = "viewer"
)

// NormalizeRole maps a claim value to a Role
func NormalizeRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleOperator, RoleViewer:
		return r, true
	}
	return "", false
}

// Claims are the JWT claims the management API accepts
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// ParseToken validates an HS256 token and returns its claims
func ParseToken(token string, secret []byte) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty secret")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("missing tenant_id")
	}
	if _, ok := NormalizeRole(claims.Role); !ok {
		return nil, fmt.Errorf("invalid role %q", claims.Role)
	}
	return claims, nil
}

// IssueToken signs claims for tenantID and role. Used by tooling and tests.
func IssueToken(secret []byte, tenantID string, role Role, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		TenantID: tenantID,
		Role:     string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

type identityKey struct{}

type identity struct {
	tenantID string
	role     Role
}

func withIdentity(ctx context.Context, id identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) (identity, bool) {
	id, ok := ctx.Value(identityKey{}).(identity)
	return id, ok
}

// requireToken rejects requests without a valid bearer token. Viewers are
// limited to safe methods.
func requireToken(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := ParseToken(strings.TrimSpace(token), secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
				return
			}
			role, _ := NormalizeRole(claims.Role)
			if role == RoleViewer && r.Method != http.MethodGet && r.Method != http.MethodHead {
				writeError(w, http.StatusForbidden, "role viewer is read-only")
				return
			}
			next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), identity{tenantID: claims.TenantID, role: role})))
		})
	}
}

// tenantFor returns the tenant a request addresses: the token's own tenant,
// or for admins the ?tenant= query value when present
func tenantFor(r *http.Request) string {
	id, _ := identityFrom(r.Context())
	if id.role == RoleAdmin {
		if t := r.URL.Query().Get("tenant"); t != "" {
			return t
		}
	}
	return id.tenantID
}
