package domain

import (
	"context"
	"strings"
	"time"
)

// Identity is the authenticated caller as reported by the auth service.
type Identity struct {
	Subject string
	Scopes  []string
}

// ScopeString joins scopes the way RFC 7662 encodes them.
func (i Identity) ScopeString() string {
	return strings.Join(i.Scopes, " ")
}

// RequestContext is the per-request record of a proxied call. It is created
// when a request enters the gateway and dropped when the response completes;
// it is never shared between requests.
type RequestContext struct {
	RequestID string
	RouteID   string
	Upstream  string
	Params    map[string]string
	Identity  *Identity
	Start     time.Time
	Attempts  int
}

type identityKey struct{}

type requestContextKey struct{}

// WithIdentity stores the authenticated caller in ctx.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the caller stored by WithIdentity, or nil for public routes.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// WithRequestContext stores rc in ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the request record stored in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}
