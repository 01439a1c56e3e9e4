// Package middleware provides HTTP middleware for caller identification.
package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/samhotchkiss/calpush/internal/authz"
	"github.com/samhotchkiss/calpush/internal/ws"
)

// ContextKey is the type for context keys in this package.
type ContextKey string

// PrincipalKey is the context key for the authenticated principal.
const PrincipalKey ContextKey = "principal"

// TicketHeader carries a connect ticket for plain HTTP calls.
const TicketHeader = "X-Calpush-Ticket"

// WithPrincipal returns a copy of ctx carrying principal.
func WithPrincipal(ctx context.Context, principal authz.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// PrincipalFromContext returns the principal stored by RequirePrincipal.
func PrincipalFromContext(ctx context.Context) (authz.Principal, bool) {
	principal, ok := ctx.Value(PrincipalKey).(authz.Principal)
	if !ok || principal.UserID == "" {
		return authz.Principal{}, false
	}
	return principal, true
}

// RequirePrincipal resolves the caller's ticket and stores the principal in
// the request context. Unknown tickets get 401, lookup failures 503.
func RequirePrincipal(auth ws.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ticket := extractTicket(r)
			if ticket == "" || auth == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			principal, err := auth.Authenticate(r.Context(), ticket)
			if err != nil {
				if errors.Is(err, ws.ErrUnauthenticated) {
					writeError(w, http.StatusUnauthorized, "unauthorized")
					return
				}
				log.Printf("warning: ticket lookup failed path=%s err=%v", r.URL.Path, err)
				writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
				return
			}
			if principal.UserID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// extractTicket checks, in order, a Bearer token, the ticket header and the
// ticket query parameter.
func extractTicket(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if ticket := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")); ticket != "" {
			return ticket
		}
	}
	if ticket := strings.TrimSpace(r.Header.Get(TicketHeader)); ticket != "" {
		return ticket
	}
	return strings.TrimSpace(r.URL.Query().Get("ticket"))
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + message + `"}`))
}
