package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/burrowhq/burrow/internal/store"
	"github.com/burrowhq/burrow/pkg/models"
)

type contextKey string

const accessKey contextKey = "access"

// Access is what a verified Bearer token grants a request.
type Access struct {
	ClientID string
	Scope    string
}

// GetAccess returns the request's verified access grant, if any.
func GetAccess(ctx context.Context) (*Access, bool) {
	a, ok := ctx.Value(accessKey).(*Access)
	return a, ok
}

// RequireScope guards a route behind a Bearer token carrying the given
// scope. Missing or expired tokens get 401 invalid_token; valid tokens
// without the scope get 403 insufficient_scope.
func RequireScope(st store.TokenStore, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				deny(w, http.StatusUnauthorized, "invalid_token", "a Bearer token is required")
				return
			}
			t, err := st.GetTokenByAccess(r.Context(), token)
			if err != nil || t.Expired(time.Now().UTC()) {
				deny(w, http.StatusUnauthorized, "invalid_token", "the token is unknown or expired")
				return
			}
			if !t.HasScope(scope) {
				deny(w, http.StatusForbidden, "insufficient_scope", "the token lacks the "+scope+" scope")
				return
			}
			ctx := context.WithValue(r.Context(), accessKey, &Access{
				ClientID: t.ClientID,
				Scope:    t.Scope,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ResolveScope is like RequireScope but defers the scope decision to the
// handler: any valid token passes and its grant lands in the context.
func ResolveScope(st store.TokenStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				deny(w, http.StatusUnauthorized, "invalid_token", "a Bearer token is required")
				return
			}
			t, err := st.GetTokenByAccess(r.Context(), token)
			if err != nil || t.Expired(time.Now().UTC()) {
				deny(w, http.StatusUnauthorized, "invalid_token", "the token is unknown or expired")
				return
			}
			ctx := context.WithValue(r.Context(), accessKey, &Access{
				ClientID: t.ClientID,
				Scope:    t.Scope,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HasScope reports whether the request's grant includes the scope. Handlers
// use it for per-action checks inside a shared route.
func HasScope(ctx context.Context, scope string) bool {
	a, ok := GetAccess(ctx)
	if !ok {
		return false
	}
	for _, s := range models.SplitScope(a.Scope) {
		if s == scope {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if bearer, found := strings.CutPrefix(header, "Bearer "); found {
		return strings.TrimSpace(bearer)
	}
	// form-encoded fallback for clients that cannot set headers
	return r.PostFormValue("access_token")
}

// DenyScope writes the insufficient_scope error. Exposed for handlers doing
// per-action checks.
func DenyScope(w http.ResponseWriter, scope string) {
	deny(w, http.StatusForbidden, "insufficient_scope", "the token lacks the "+scope+" scope")
}

func deny(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
