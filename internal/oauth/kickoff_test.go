package oauth

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/camgate/internal/domain"
	"github.com/tjfontaine/camgate/internal/pkg/config"
)

func testKickoff(t *testing.T) *Kickoff {
	t.Helper()
	k, err := NewKickoff(config.OAuthConfig{
		StateCookieTTL: 5 * time.Minute,
		Providers: []config.OAuthProviderConfig{
			{
				Name:        "github",
				ClientID:    "gh-client",
				RedirectURL: "https://cams.example/auth/github/callback",
				Scopes:      []string{"read:user"},
			},
			{
				Name:        "Google",
				ClientID:    "g-client",
				RedirectURL: "https://cams.example/auth/google/callback",
				Scopes:      []string{"openid", "email"},
			},
			{
				Name:     "corp",
				ClientID: "corp-client",
				AuthURL:  "https://sso.corp.example/authorize",
				TokenURL: "https://sso.corp.example/token",
			},
		},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestKickoff_Redirect(t *testing.T) {
	k := testKickoff(t)

	tests := []struct {
		provider   string
		wantHost   string
		wantClient string
	}{
		{"github", "github.com", "gh-client"},
		{"google", "accounts.google.com", "g-client"},
		{"corp", "sso.corp.example", "corp-client"},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/auth/"+tt.provider, nil)
			req = req.WithContext(domain.WithRequestContext(req.Context(), &domain.RequestContext{
				Params: map[string]string{ProviderParam: tt.provider},
			}))
			rec := httptest.NewRecorder()
			k.ServeHTTP(rec, req)

			if rec.Code != http.StatusTemporaryRedirect {
				t.Fatalf("status = %d, want 307", rec.Code)
			}
			loc, err := url.Parse(rec.Header().Get("Location"))
			if err != nil {
				t.Fatal(err)
			}
			if loc.Host != tt.wantHost {
				t.Errorf("redirect host = %q, want %q", loc.Host, tt.wantHost)
			}
			q := loc.Query()
			if q.Get("client_id") != tt.wantClient || q.Get("response_type") != "code" {
				t.Errorf("query = %v", q)
			}
			if q.Has("client_secret") {
				t.Error("client secret leaked into the authorize URL")
			}

			var state *http.Cookie
			for _, c := range rec.Result().Cookies() {
				if c.Name == StateCookieName {
					state = c
				}
			}
			if state == nil {
				t.Fatal("state cookie not set")
			}
			if state.Value != q.Get("state") {
				t.Errorf("cookie state %q != redirect state %q", state.Value, q.Get("state"))
			}
			if !state.HttpOnly || state.MaxAge != 300 || state.Path != "/auth/"+tt.provider {
				t.Errorf("cookie = %+v", state)
			}
		})
	}
}

func TestKickoff_UniqueState(t *testing.T) {
	k := testKickoff(t)

	first := httptest.NewRecorder()
	k.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/auth/github", nil))
	second := httptest.NewRecorder()
	k.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/auth/github", nil))

	if first.Header().Get("Location") == second.Header().Get("Location") {
		t.Error("two kickoffs produced the same state")
	}
}

func TestKickoff_UnknownProvider(t *testing.T) {
	k := testKickoff(t)

	rec := httptest.NewRecorder()
	k.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/myspace", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error":"NotFound"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestNewKickoff_CustomProviderNeedsEndpoints(t *testing.T) {
	_, err := NewKickoff(config.OAuthConfig{Providers: []config.OAuthProviderConfig{
		{Name: "corp", ClientID: "x", AuthURL: "https://sso/authorize"},
	}}, nil)
	if err == nil {
		t.Fatal("expected error for missing token_url")
	}
}

func TestKickoff_Providers(t *testing.T) {
	got := testKickoff(t).Providers()
	if strings.Join(got, ",") != "corp,github,google" {
		t.Errorf("Providers() = %v", got)
	}
}
