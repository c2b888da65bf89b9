// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithPrincipal/FromContext for propagating the caller via context

package auth

import "context"

// Principal is the authenticated caller of an API request.
type Principal struct {
	Subject string
}

type principalKey struct{}

// WithPrincipal returns a new context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal, or nil for anonymous requests.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// SubjectFromContext returns the principal's subject, or "" when anonymous.
func SubjectFromContext(ctx context.Context) string {
	if p := FromContext(ctx); p != nil {
		return p.Subject
	}
	return ""
}
