package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tjfontaine/camgate/internal/domain"
)

// introspectionResponse is the RFC 7662 response body.
type introspectionResponse struct {
	Active   bool   `json:"active"`
	Subject  string `json:"sub"`
	Scope    string `json:"scope"`
	Exp      int64  `json:"exp"`
	Username string `json:"username"`
}

// HTTPIntrospector calls an RFC 7662 token introspection endpoint.
type HTTPIntrospector struct {
	client       *http.Client
	endpoint     string
	clientID     string
	clientSecret string
	timeout      time.Duration
}

// HTTPIntrospectorOption configures an HTTPIntrospector.
type HTTPIntrospectorOption func(*HTTPIntrospector)

// WithHTTPClient sets the client used for introspection calls.
func WithHTTPClient(c *http.Client) HTTPIntrospectorOption {
	return func(h *HTTPIntrospector) {
		h.client = c
	}
}

// WithClientCredentials authenticates the gateway to the introspection endpoint.
func WithClientCredentials(id, secret string) HTTPIntrospectorOption {
	return func(h *HTTPIntrospector) {
		h.clientID = id
		h.clientSecret = secret
	}
}

// WithTimeout bounds each introspection call.
func WithTimeout(d time.Duration) HTTPIntrospectorOption {
	return func(h *HTTPIntrospector) {
		h.timeout = d
	}
}

// NewHTTPIntrospector creates an introspector posting to endpoint.
func NewHTTPIntrospector(endpoint string, opts ...HTTPIntrospectorOption) (*HTTPIntrospector, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid introspection endpoint %q", endpoint)
	}

	h := &HTTPIntrospector{
		client:   http.DefaultClient,
		endpoint: endpoint,
		timeout:  3 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Introspect implements Introspector.
func (h *HTTPIntrospector) Introspect(ctx context.Context, token string) (*Result, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, domain.Wrap(domain.KindServiceUnavailable, "build introspection request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if h.clientID != "" {
		req.SetBasicAuth(h.clientID, h.clientSecret)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, domain.Wrap(domain.KindServiceUnavailable, "introspection request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, domain.NewError(domain.KindServiceUnavailable,
			fmt.Sprintf("introspection returned status %d", resp.StatusCode))
	}

	var body introspectionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, domain.Wrap(domain.KindServiceUnavailable, "decode introspection response", err)
	}

	res := &Result{
		Active:  body.Active,
		Subject: body.Subject,
		Scopes:  strings.Fields(body.Scope),
	}
	if res.Subject == "" {
		res.Subject = body.Username
	}
	if body.Exp > 0 {
		res.ExpiresAt = time.Unix(body.Exp, 0)
	}
	return res, nil
}
