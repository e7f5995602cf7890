package proxy

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/camgate/internal/domain"
	"github.com/tjfontaine/camgate/internal/metrics"
	"github.com/tjfontaine/camgate/internal/router"
	"github.com/tjfontaine/camgate/internal/server"
	"github.com/tjfontaine/camgate/internal/upstream"
)

// Snapshot is one consistent view of the route table and upstream set.
// A reload replaces the whole snapshot.
type Snapshot struct {
	Routes    *router.Table
	Upstreams *upstream.Pool
}

// Authenticator validates the credentials on a request.
type Authenticator interface {
	Authenticate(r *http.Request) (*domain.Identity, error)
}

// Handler is the gateway entry point for every non-ops path: it matches the
// route, authenticates bearer routes and dispatches to the upstream or the
// route's local handler.
type Handler struct {
	snapshot   func() *Snapshot
	auth       Authenticator
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewHandler creates the gateway handler. snapshot is read once per request.
func NewHandler(snapshot func() *Snapshot, auth Authenticator, d *Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		snapshot:   snapshot,
		auth:       auth,
		dispatcher: d,
		metrics:    m,
		logger:     logger.With(slog.String("component", "gateway")),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rc := &domain.RequestContext{
		RequestID: server.GetRequestID(r.Context()),
		Start:     start,
	}
	ctx := domain.WithRequestContext(r.Context(), rc)
	r = r.WithContext(ctx)

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	routeLabel := "unmatched"
	defer func() {
		h.metrics.ObserveRequest(routeLabel, sw.status, time.Since(start))
	}()

	snap := h.snapshot()
	m, err := snap.Routes.Match(r.Method, r.URL.Path)
	if err != nil {
		h.fail(sw, r, err)
		return
	}
	rc.RouteID = m.Route.ID()
	rc.Params = m.Params
	routeLabel = rc.RouteID
	server.AddLogField(ctx, "route", rc.RouteID)

	if m.Route.Auth == router.AuthBearer {
		if h.auth == nil {
			h.fail(sw, r, domain.NewError(domain.KindServiceUnavailable, "authentication is not configured"))
			return
		}
		id, err := h.auth.Authenticate(r)
		if err != nil {
			h.fail(sw, r, err)
			return
		}
		rc.Identity = id
		r = r.WithContext(domain.WithIdentity(ctx, id))
		server.AddLogField(ctx, "user_id", id.Subject)
	}

	if m.Route.Handler != nil {
		m.Route.Handler.ServeHTTP(sw, r)
		return
	}

	target, ok := snap.Upstreams.Get(m.Route.Upstream)
	if !ok {
		h.fail(sw, r, domain.NewError(domain.KindUpstreamUnavailable,
			fmt.Sprintf("upstream %s is not configured", m.Route.Upstream)))
		return
	}
	rc.Upstream = target.Name
	server.AddLogField(ctx, "upstream", target.Name)

	err = h.dispatcher.Dispatch(sw, r, Call{Route: m.Route, Params: m.Params, Target: target})
	server.AddLogField(ctx, "attempts", strconv.Itoa(rc.Attempts))
	if err != nil {
		server.AddError(ctx, err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	server.AddError(r.Context(), err)
	if domain.KindOf(err) == domain.KindInternal {
		h.logger.Error("gateway error", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	domain.WriteError(w, err)
}

// statusWriter records the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
