package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/PortNumber53/writgo/internal/apperr"
	"github.com/PortNumber53/writgo/internal/models"
)

type ctxKey int

const identityKey ctxKey = iota

// Resolver turns a request into an authenticated identity.
type Resolver interface {
	Resolve(r *http.Request) (models.Identity, error)
}

// SessionAuth rejects requests without a valid session, except on public paths.
type SessionAuth struct {
	resolver Resolver
	public   []string
}

// NewSessionAuth protects every route not matching one of the public path prefixes.
func NewSessionAuth(resolver Resolver, public ...string) *SessionAuth {
	return &SessionAuth{resolver: resolver, public: public}
}

func (a *SessionAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || a.shouldSkip(r) {
			next.ServeHTTP(w, r)
			return
		}
		id, err := a.resolver.Resolve(r)
		if err != nil {
			respond(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (a *SessionAuth) shouldSkip(r *http.Request) bool {
	for _, p := range a.public {
		if p == r.URL.Path || (strings.HasSuffix(p, "/") && strings.HasPrefix(r.URL.Path, p)) {
			return true
		}
	}
	return false
}

// RequireRole allows only identities with role through.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFrom(r.Context())
			if !ok {
				respond(w, apperr.Authentication("authentication required"))
				return
			}
			if id.Role != role {
				respond(w, apperr.Authorization("insufficient role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(identityKey).(models.Identity)
	return id, ok && id.AccountID != ""
}

func respond(w http.ResponseWriter, err error) {
	status, body := apperr.Envelope(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
