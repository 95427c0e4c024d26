package authctx

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const authContextKey contextKey = "mandate_auth_context"

// HeaderMandateID carries a bare mandate id.
const HeaderMandateID = "X-Mandate-ID"

// WithContext attaches a verified Context.
func WithContext(ctx context.Context, c *Context) context.Context {
	return context.WithValue(ctx, authContextKey, c)
}

// FromContext returns the verified Context, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	c, ok := ctx.Value(authContextKey).(*Context)
	return c, ok && c != nil
}

// ReferenceFromRequest reads X-Mandate-ID and "Authorization: Mandate <jwt>".
func ReferenceFromRequest(r *http.Request) Reference {
	ref := Reference{MandateID: strings.TrimSpace(r.Header.Get(HeaderMandateID))}
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Mandate") {
		ref.Token = strings.TrimSpace(token)
	}
	return ref
}

// ScopeFunc derives the required scope from a request.
type ScopeFunc func(r *http.Request) Scope

// FailFunc writes the response for a failed extraction. err is a *Rejection
// or an infrastructure error.
type FailFunc func(w http.ResponseWriter, r *http.Request, err error)

// Middleware rejects requests without a valid mandate for the scope and
// attaches the verified Context otherwise.
func Middleware(e *Extractor, scope ScopeFunc, fail FailFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var s Scope
			if scope != nil {
				s = scope(r)
			}
			ac, err := e.Extract(r.Context(), ReferenceFromRequest(r), s)
			if err != nil {
				fail(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), ac)))
		})
	}
}
