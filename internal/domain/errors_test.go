package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGatewayError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *GatewayError
		expected string
	}{
		{
			name:     "kind and message",
			err:      NewError(KindNotFound, "no route for GET /nope"),
			expected: "NotFound: no route for GET /nope",
		},
		{
			name:     "kind, message and cause",
			err:      Wrap(KindServiceUnavailable, "introspection failed", errors.New("dial tcp: refused")),
			expected: "ServiceUnavailable: introspection failed: dial tcp: refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestErrorKind_Status(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		expected int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindRouteConflict, http.StatusConflict},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindServiceUnavailable, http.StatusServiceUnavailable},
		{KindUpstreamUnavailable, http.StatusServiceUnavailable},
		{KindUpstreamTimeout, http.StatusGatewayTimeout},
		{KindTooManyRequests, http.StatusTooManyRequests},
		{KindInternal, http.StatusInternalServerError},
		{ErrorKind("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Status(); got != tt.expected {
				t.Errorf("Status() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestGatewayError_Is(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", Wrap(KindUpstreamTimeout, "recordings timed out", errors.New("deadline")))

	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Error("expected errors.Is to match ErrUpstreamTimeout through wrapping")
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		t.Error("expected errors.Is not to match a different kind")
	}
	if KindOf(err) != KindUpstreamTimeout {
		t.Errorf("KindOf() = %s, want %s", KindOf(err), KindUpstreamTimeout)
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("expected plain errors to be classified as Internal")
	}
}

func TestWriteError(t *testing.T) {
	t.Run("gateway error", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, NewError(KindUnauthorized, "missing bearer token"))

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}

		var env ErrorEnvelope
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Error != KindUnauthorized || env.Message != "missing bearer token" {
			t.Errorf("envelope = %+v", env)
		}
	})

	t.Run("foreign error does not leak", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, errors.New("postgres://internal-host:5432 refused"))

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}

		var env ErrorEnvelope
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Error != KindInternal || env.Message != "internal gateway error" {
			t.Errorf("envelope = %+v", env)
		}
	})

	t.Run("cause is not rendered", func(t *testing.T) {
		rec := httptest.NewRecorder()
		WriteError(rec, Wrap(KindUpstreamUnavailable, "upstream recordings unavailable", errors.New("10.0.0.7:9000 refused")))

		var env ErrorEnvelope
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Message != "upstream recordings unavailable" {
			t.Errorf("message = %q", env.Message)
		}
	})
}
