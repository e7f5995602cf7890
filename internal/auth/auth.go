// Package auth authenticates bearer tokens by asking the auth service,
// caching its answers for a short time.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/camgate/internal/domain"
)

// Result is the auth service's verdict on a token.
type Result struct {
	Active  bool
	Subject string
	Scopes  []string
	// ExpiresAt is the token expiry reported by the auth service, if any.
	ExpiresAt time.Time
}

// Introspector asks the issuing service whether a token is currently valid.
// Implementations return a ServiceUnavailable GatewayError when the service
// cannot give an answer; an inactive token is a Result, not an error.
type Introspector interface {
	Introspect(ctx context.Context, token string) (*Result, error)
}

// ExtractBearer extracts the token from an "Authorization: Bearer <token>" header.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", domain.NewError(domain.KindUnauthorized, "missing Authorization header")
	}

	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", domain.NewError(domain.KindUnauthorized, "unsupported authorization scheme")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", domain.NewError(domain.KindUnauthorized, "empty bearer token")
	}
	return token, nil
}

// HashToken returns the SHA-256 hex digest of a token. Cache keys and logs
// use the digest so raw tokens are never retained.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// Authenticator resolves the caller of a bearer-protected request.
type Authenticator struct {
	introspector Introspector
	logger       *slog.Logger
}

// NewAuthenticator creates an authenticator backed by introspector.
func NewAuthenticator(introspector Introspector, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		introspector: introspector,
		logger:       logger.With(slog.String("component", "auth")),
	}
}

// Authenticate returns the caller identity or an Unauthorized or
// ServiceUnavailable error. It never fails open.
func (a *Authenticator) Authenticate(r *http.Request) (*domain.Identity, error) {
	token, err := ExtractBearer(r)
	if err != nil {
		return nil, err
	}

	res, err := a.introspector.Introspect(r.Context(), token)
	if err != nil {
		a.logger.Warn("introspection failed",
			slog.String("token_hash", HashToken(token)[:12]),
			slog.String("error", err.Error()))
		if domain.KindOf(err) == domain.KindUnauthorized {
			return nil, err
		}
		return nil, domain.Wrap(domain.KindServiceUnavailable, "token introspection unavailable", err)
	}
	if res == nil || !res.Active {
		return nil, domain.NewError(domain.KindUnauthorized, "invalid or expired token")
	}
	if !res.ExpiresAt.IsZero() && !time.Now().Before(res.ExpiresAt) {
		return nil, domain.NewError(domain.KindUnauthorized, "invalid or expired token")
	}

	return &domain.Identity{Subject: res.Subject, Scopes: res.Scopes}, nil
}
