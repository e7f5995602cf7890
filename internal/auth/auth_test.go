package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tjfontaine/camgate/internal/domain"
)

func TestHashToken(t *testing.T) {
	tests := []struct {
		name     string
		token    string
		expected string
	}{
		{
			name:     "simple token",
			token:    "test-key-123",
			expected: "625faa3fbbc3d2bd9d6ee7678d04cc5339cb33dc68d9b58451853d60046e226a",
		},
		{
			name:     "empty token",
			token:    "",
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HashToken(tt.token); got != tt.expected {
				t.Errorf("HashToken() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		name       string
		authHeader string
		want       string
		wantError  bool
	}{
		{
			name:       "valid bearer token",
			authHeader: "Bearer ya29.a0Af",
			want:       "ya29.a0Af",
		},
		{
			name:       "bearer lowercase",
			authHeader: "bearer gho_16C7e42F",
			want:       "gho_16C7e42F",
		},
		{
			name:       "missing bearer prefix",
			authHeader: "gho_16C7e42F",
			wantError:  true,
		},
		{
			name:       "basic scheme",
			authHeader: "Basic dXNlcjpwYXNz",
			wantError:  true,
		},
		{
			name:       "empty token",
			authHeader: "Bearer   ",
			wantError:  true,
		},
		{
			name:       "empty header",
			authHeader: "",
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/events", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}

			got, err := ExtractBearer(req)

			if tt.wantError {
				if !errors.Is(err, domain.ErrUnauthorized) {
					t.Errorf("ExtractBearer() error = %v, want Unauthorized", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractBearer() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ExtractBearer() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticator_Authenticate(t *testing.T) {
	next := &countingIntrospector{results: map[string]*Result{
		"good":    {Active: true, Subject: "user-1", Scopes: []string{"recordings:read"}},
		"expired": {Active: true, Subject: "user-2", ExpiresAt: time.Now().Add(-time.Minute)},
	}}
	a := NewAuthenticator(NewCachingIntrospector(next), nil)

	tests := []struct {
		name        string
		header      string
		wantSubject string
		wantErr     error
	}{
		{"valid token", "Bearer good", "user-1", nil},
		{"inactive token", "Bearer revoked", "", domain.ErrUnauthorized},
		{"expired token", "Bearer expired", "", domain.ErrUnauthorized},
		{"missing header", "", "", domain.ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/user/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			id, err := a.Authenticate(req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate() unexpected error: %v", err)
			}
			if id.Subject != tt.wantSubject {
				t.Errorf("subject = %q, want %q", id.Subject, tt.wantSubject)
			}
		})
	}
}

func TestAuthenticator_FailsClosedWhenIntrospectionDown(t *testing.T) {
	next := &countingIntrospector{err: errors.New("connection refused")}
	a := NewAuthenticator(next, nil)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("Authorization", "Bearer whatever")

	id, err := a.Authenticate(req)
	if id != nil {
		t.Fatal("expected no identity when introspection is down")
	}
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("Authenticate() error = %v, want ServiceUnavailable", err)
	}
}

func TestLogoutHandler(t *testing.T) {
	next := &countingIntrospector{results: map[string]*Result{"good": {Active: true}}}
	cache := NewCachingIntrospector(next)
	h := LogoutHandler(cache, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	if _, err := cache.Introspect(req.Context(), "good"); err != nil {
		t.Fatal(err)
	}

	t.Run("evicts token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/logout", nil).WithContext(req.Context()))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("without header status = %d, want 401", rec.Code)
		}

		logout := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
		logout.Header.Set("Authorization", "Bearer good")
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, logout)

		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", rec.Code)
		}
		if cache.Len() != 0 {
			t.Errorf("cache len = %d, want 0", cache.Len())
		}
	})
}
