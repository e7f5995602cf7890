// Package proxy forwards matched, authorized requests to upstream services.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/camgate/internal/domain"
	"github.com/tjfontaine/camgate/internal/metrics"
	"github.com/tjfontaine/camgate/internal/router"
	"github.com/tjfontaine/camgate/internal/upstream"
)

const (
	DefaultRetryBackoff  = 100 * time.Millisecond
	DefaultMaxReplayBody = 1 << 20
)

// HealthReader reports whether an upstream is accepting traffic.
type HealthReader interface {
	IsUp(name string) bool
}

// Call is a single request to proxy.
type Call struct {
	Route  *router.Route
	Params map[string]string
	Target *upstream.Target
}

// Dispatcher proxies requests to upstream targets. Buffered routes are
// retried once for idempotent methods; streaming routes are piped through
// with a single attempt.
type Dispatcher struct {
	client        *http.Client
	health        HealthReader
	metrics       *metrics.Metrics
	logger        *slog.Logger
	retryBackoff  time.Duration
	maxReplayBody int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithMetrics records upstream attempts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRetryBackoff sets the initial backoff before a retry.
func WithRetryBackoff(b time.Duration) Option {
	return func(d *Dispatcher) {
		if b > 0 {
			d.retryBackoff = b
		}
	}
}

// WithMaxReplayBody caps how much of an idempotent request body is held
// for a retry. Larger bodies are sent once.
func WithMaxReplayBody(n int64) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxReplayBody = n
		}
	}
}

// NewDispatcher creates a dispatcher. health may be nil, in which case every
// target is treated as up.
func NewDispatcher(health HealthReader, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		health:        health,
		logger:        slog.Default(),
		retryBackoff:  DefaultRetryBackoff,
		maxReplayBody: DefaultMaxReplayBody,
	}
	for _, opt := range opts {
		opt(d)
	}

	var client http.Client
	if d.client != nil {
		client = *d.client
	} else {
		client.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	// Upstream redirects are relayed to the client.
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	d.client = &client
	d.logger = d.logger.With(slog.String("component", "dispatcher"))
	return d
}

// Dispatch proxies r according to call and writes the response to w. Errors
// that occur before any response byte is written are rendered as error
// envelopes. The returned error is for logging only.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, call Call) error {
	name := call.Target.Name
	if d.health != nil && !d.health.IsUp(name) {
		d.metrics.UpstreamAttempt(name, "short_circuit")
		err := domain.NewError(domain.KindUpstreamUnavailable, fmt.Sprintf("upstream %s is unavailable", name))
		domain.WriteError(w, err)
		return err
	}

	u := call.Target.URL(upstreamPath(call.Route, r.URL.Path, call.Params), r.URL.RawQuery)
	timeout := call.Route.Timeout
	if timeout <= 0 {
		timeout = call.Target.Timeout
	}

	if call.Route.Streaming {
		return d.stream(w, r, name, u, timeout)
	}
	return d.buffered(w, r, name, u, timeout)
}

func upstreamPath(route *router.Route, reqPath string, params map[string]string) string {
	if route.Rewrite == "" {
		return reqPath
	}
	return router.Expand(route.Rewrite, params)
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

type bufferedResponse struct {
	status int
	header http.Header
	body   []byte
}

func (d *Dispatcher) buffered(w http.ResponseWriter, r *http.Request, name string, u *url.URL, timeout time.Duration) error {
	rc := domain.RequestContextFrom(r.Context())
	header := outboundHeader(r, requestID(rc), domain.IdentityFrom(r.Context()))

	tries := uint(1)
	var body func() (io.Reader, int64)
	if idempotent(r.Method) {
		replay, complete, err := readReplayBody(r.Body, d.maxReplayBody)
		if err != nil {
			werr := domain.Wrap(domain.KindUpstreamUnavailable, "read request body", err)
			domain.WriteError(w, werr)
			return werr
		}
		if complete {
			tries = 2
			body = func() (io.Reader, int64) {
				if len(replay) == 0 {
					return nil, 0
				}
				return bytes.NewReader(replay), int64(len(replay))
			}
		} else {
			rest := io.MultiReader(bytes.NewReader(replay), r.Body)
			body = func() (io.Reader, int64) { return rest, r.ContentLength }
		}
	} else {
		body = func() (io.Reader, int64) {
			if r.Body == nil || r.Body == http.NoBody {
				return nil, 0
			}
			return r.Body, r.ContentLength
		}
	}

	attempts := 0
	op := func() (*bufferedResponse, error) {
		attempts++
		if rc != nil {
			rc.Attempts = attempts
		}
		rd, n := body()
		res, retry, err := d.attempt(r.Context(), r.Method, u, header, rd, n, timeout, name)
		if err == nil {
			return res, nil
		}
		d.logger.Debug("upstream attempt failed",
			slog.String("upstream", name),
			slog.Int("attempt", attempts),
			slog.String("error", err.Error()))
		if !retry {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	res, err := backoff.Retry(r.Context(), op,
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(tries))
	if err != nil {
		if r.Context().Err() != nil {
			return fmt.Errorf("client went away: %w", err)
		}
		var ge *domain.GatewayError
		if !errors.As(err, &ge) {
			err = domain.Wrap(domain.KindUpstreamUnavailable, fmt.Sprintf("upstream %s unavailable", name), err)
		}
		domain.WriteError(w, err)
		return err
	}

	copyResponseHeader(w.Header(), res.header)
	w.WriteHeader(res.status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(res.body)
	}
	return nil
}

// attempt performs one bounded upstream call. The bool reports whether a
// failure is eligible for another try.
func (d *Dispatcher) attempt(parent context.Context, method string, u *url.URL, header http.Header, body io.Reader, length int64, timeout time.Duration, name string) (*bufferedResponse, bool, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, false, domain.Wrap(domain.KindInternal, "build upstream request", err)
	}
	out.Header = header.Clone()
	if body != nil {
		out.ContentLength = length
	}

	resp, err := d.client.Do(out)
	if err == nil {
		defer resp.Body.Close()
		var data []byte
		data, err = io.ReadAll(resp.Body)
		if err == nil {
			if resp.StatusCode >= http.StatusInternalServerError {
				d.metrics.UpstreamAttempt(name, "status_5xx")
				gerr := domain.NewError(domain.KindUpstreamUnavailable,
					fmt.Sprintf("upstream %s returned %d", name, resp.StatusCode))
				return nil, retryableStatus(resp.StatusCode), gerr
			}
			d.metrics.UpstreamAttempt(name, "ok")
			return &bufferedResponse{status: resp.StatusCode, header: resp.Header, body: data}, false, nil
		}
	}

	switch {
	case parent.Err() != nil:
		d.metrics.UpstreamAttempt(name, "canceled")
		return nil, false, parent.Err()
	case ctx.Err() == context.DeadlineExceeded || isTimeout(err):
		d.metrics.UpstreamAttempt(name, "timeout")
		return nil, true, domain.Wrap(domain.KindUpstreamTimeout,
			fmt.Sprintf("upstream %s timed out after %s", name, timeout), err)
	default:
		d.metrics.UpstreamAttempt(name, "error")
		return nil, true, domain.Wrap(domain.KindUpstreamUnavailable,
			fmt.Sprintf("upstream %s unreachable", name), err)
	}
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryBackoff
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = 10 * d.retryBackoff
	return b
}

// readReplayBody reads up to limit bytes of body. complete is false when the
// body is larger than limit; the bytes read so far are returned either way.
func readReplayBody(body io.ReadCloser, limit int64) (data []byte, complete bool, err error) {
	if body == nil || body == http.NoBody {
		return nil, true, nil
	}
	data, err = io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return data, false, nil
	}
	return data, true, nil
}

func requestID(rc *domain.RequestContext) string {
	if rc == nil {
		return ""
	}
	return rc.RequestID
}
