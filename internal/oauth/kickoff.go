// Package oauth starts the browser login flow for the configured identity
// providers. Code exchange and token issuance stay with the auth service;
// the gateway only builds the authorize redirect and the state cookie.
package oauth

import (
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/tjfontaine/camgate/internal/domain"
	"github.com/tjfontaine/camgate/internal/pkg/config"
)

// StateCookieName holds the anti-CSRF state until the provider calls back.
const StateCookieName = "camgate_oauth_state"

// DefaultStateTTL bounds how long a login attempt may take.
const DefaultStateTTL = 10 * time.Minute

// ProviderParam is the route parameter naming the provider.
const ProviderParam = "provider"

var knownEndpoints = map[string]oauth2.Endpoint{
	"github": endpoints.GitHub,
	"google": endpoints.Google,
}

// Kickoff serves GET /auth/{provider}.
type Kickoff struct {
	providers map[string]*oauth2.Config
	stateTTL  time.Duration
	logger    *slog.Logger
}

// NewKickoff builds provider configs. Providers named github or google get
// their well-known endpoints; others need explicit auth and token URLs.
func NewKickoff(cfg config.OAuthConfig, logger *slog.Logger) (*Kickoff, error) {
	if logger == nil {
		logger = slog.Default()
	}
	k := &Kickoff{
		providers: make(map[string]*oauth2.Config, len(cfg.Providers)),
		stateTTL:  cfg.StateCookieTTL,
		logger:    logger.With(slog.String("component", "oauth")),
	}
	if k.stateTTL <= 0 {
		k.stateTTL = DefaultStateTTL
	}

	for _, p := range cfg.Providers {
		name := strings.ToLower(p.Name)
		ep, err := endpointFor(name, p)
		if err != nil {
			return nil, err
		}
		k.providers[name] = &oauth2.Config{
			ClientID:    p.ClientID,
			RedirectURL: p.RedirectURL,
			Scopes:      p.Scopes,
			Endpoint:    ep,
		}
	}
	return k, nil
}

func endpointFor(name string, p config.OAuthProviderConfig) (oauth2.Endpoint, error) {
	ep, known := knownEndpoints[name]
	if p.AuthURL != "" {
		ep.AuthURL = p.AuthURL
	}
	if p.TokenURL != "" {
		ep.TokenURL = p.TokenURL
	}
	if !known && (ep.AuthURL == "" || ep.TokenURL == "") {
		return oauth2.Endpoint{}, fmt.Errorf("oauth provider %q: auth_url and token_url are required", name)
	}
	return ep, nil
}

// Providers lists the configured provider names.
func (k *Kickoff) Providers() []string {
	names := make([]string, 0, len(k.providers))
	for n := range k.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (k *Kickoff) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := providerName(r)
	conf, ok := k.providers[name]
	if !ok {
		domain.WriteError(w, domain.NewError(domain.KindNotFound, fmt.Sprintf("unknown oauth provider %q", name)))
		return
	}

	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookieName,
		Value:    state,
		Path:     "/auth/" + name,
		MaxAge:   int(k.stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})

	target := conf.AuthCodeURL(state, oauth2.AccessTypeOnline)
	k.logger.Debug("oauth kickoff", slog.String("provider", name))
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func providerName(r *http.Request) string {
	if rc := domain.RequestContextFrom(r.Context()); rc != nil {
		if p, ok := rc.Params[ProviderParam]; ok {
			return strings.ToLower(p)
		}
	}
	return strings.ToLower(path.Base(r.URL.Path))
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
