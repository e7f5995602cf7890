package proxy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/camgate/internal/domain"
)

const streamChunkSize = 32 * 1024

// stream pipes an upstream response to the client chunk by chunk. timeout
// bounds only the wait for response headers. Cancelling the client request
// cancels the upstream request.
func (d *Dispatcher) stream(w http.ResponseWriter, r *http.Request, name string, u *url.URL, timeout time.Duration) error {
	rc := domain.RequestContextFrom(r.Context())
	if rc != nil {
		rc.Attempts = 1
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var headerTimedOut atomic.Bool
	timer := time.AfterFunc(timeout, func() {
		headerTimedOut.Store(true)
		cancel()
	})

	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		timer.Stop()
		gerr := domain.Wrap(domain.KindInternal, "build upstream request", err)
		domain.WriteError(w, gerr)
		return gerr
	}
	out.Header = outboundHeader(r, requestID(rc), domain.IdentityFrom(r.Context()))
	if body != nil {
		out.ContentLength = r.ContentLength
	}

	resp, err := d.client.Do(out)
	if !timer.Stop() && err == nil {
		// Headers arrived as the timer fired; the context is already gone.
		resp.Body.Close()
		err = context.DeadlineExceeded
	}
	if err != nil {
		var gerr error
		switch {
		case r.Context().Err() != nil:
			d.metrics.UpstreamAttempt(name, "canceled")
			return fmt.Errorf("client went away: %w", err)
		case headerTimedOut.Load():
			d.metrics.UpstreamAttempt(name, "timeout")
			gerr = domain.Wrap(domain.KindUpstreamTimeout,
				fmt.Sprintf("upstream %s sent no response within %s", name, timeout), err)
		default:
			d.metrics.UpstreamAttempt(name, "error")
			gerr = domain.Wrap(domain.KindUpstreamUnavailable, fmt.Sprintf("upstream %s unreachable", name), err)
		}
		domain.WriteError(w, gerr)
		return gerr
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		d.metrics.UpstreamAttempt(name, "status_5xx")
		gerr := domain.NewError(domain.KindUpstreamUnavailable,
			fmt.Sprintf("upstream %s returned %d", name, resp.StatusCode))
		domain.WriteError(w, gerr)
		return gerr
	}
	d.metrics.UpstreamAttempt(name, "ok")

	copyResponseHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	buf := make([]byte, streamChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write to client: %w", werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if r.Context().Err() != nil {
				d.logger.Debug("stream cancelled by client", slog.String("upstream", name))
				return fmt.Errorf("client went away: %w", r.Context().Err())
			}
			return fmt.Errorf("upstream %s stream: %w", name, rerr)
		}
	}
}
