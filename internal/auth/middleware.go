package auth

import (
	"errors"
	"net/http"
	"strings"

	httptransport "github.com/the-governor-hq/bodyPress-backend/internal/transport/http"
)

// Known OAuth scopes.
const (
	ScopeWearablesRead  = "wearables:read"
	ScopeWearablesWrite = "wearables:write"
)

// Middleware validates bearer tokens on every request it wraps. Mount it only on routes that
// require a caller; public routes such as webhooks and health checks stay outside it.
type Middleware struct {
	Config Config
}

// NewMiddleware constructs a Middleware for cfg.
func NewMiddleware(cfg Config) Middleware {
	return Middleware{Config: cfg}
}

// Wrap rejects requests without a valid token and stores the claims for downstream handlers.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.parseRequest(r)
		if err != nil {
			code := "invalid_token"
			if errors.Is(err, ErrMissingToken) {
				code = "missing_token"
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="wearables"`)
			httptransport.WriteError(w, http.StatusUnauthorized, code, err.Error())
			return
		}
		ctx := WithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope rejects authenticated requests whose token lacks scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := FromContext(r.Context())
			if !ok {
				httptransport.WriteError(w, http.StatusUnauthorized, "missing_token", ErrMissingToken.Error())
				return
			}
			if !claims.HasScope(scope) {
				httptransport.WriteError(w, http.StatusForbidden, "insufficient_scope", "token lacks scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) parseRequest(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return nil, ErrInvalidToken
	}
	token := strings.TrimSpace(header[len("Bearer "):])
	return Parse(token, m.Config)
}
