package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated caller. Admin principals may act on every tenant.
type Principal struct {
	TenantID string
	Admin    bool
}

func (p Principal) CanAccess(tenantID string) bool {
	return p.Admin || (p.TenantID != "" && p.TenantID == tenantID)
}

const principalContextKey contextKey = "principal"

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey).(Principal)
	return principal, ok
}

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

// Authenticator accepts either the static operator token (admin) or an HS256 JWT
// carrying a tenant_id claim. With neither configured every caller is admin.
type Authenticator struct {
	staticToken string
	secret      []byte
}

func NewAuthenticator(staticToken, jwtSecret string) *Authenticator {
	return &Authenticator{staticToken: staticToken, secret: []byte(jwtSecret)}
}

func (a *Authenticator) enabled() bool {
	return a.staticToken != "" || len(a.secret) > 0
}

// IssueToken signs a tenant-scoped token.
func (a *Authenticator) IssueToken(tenantID string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"tenant_id": tenantID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) Authenticate(token string) (Principal, error) {
	if token == "" {
		return Principal{}, errors.New("missing token")
	}
	if a.staticToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.staticToken)) == 1 {
		return Principal{Admin: true}, nil
	}
	if len(a.secret) == 0 {
		return Principal{}, errors.New("invalid token")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errors.New("invalid claims")
	}
	tenantID, _ := claims["tenant_id"].(string)
	if strings.TrimSpace(tenantID) == "" {
		return Principal{}, errors.New("missing tenant_id claim")
	}
	return Principal{TenantID: tenantID}, nil
}

// Auth protects /v1/ routes. Browsers cannot set headers on WebSocket upgrades,
// so the token is also read from the access_token query parameter.
func Auth(authenticator *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/v1/") {
				next.ServeHTTP(w, r)
				return
			}
			if authenticator == nil || !authenticator.enabled() {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{Admin: true})))
				return
			}

			principal, err := authenticator.Authenticate(bearerToken(r))
			if err != nil {
				writeUnauthorized(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if authorization := r.Header.Get("Authorization"); strings.HasPrefix(authorization, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
}
