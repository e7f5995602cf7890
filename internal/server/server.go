package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/camgate/internal/domain"
)

// Options configures a Server.
type Options struct {
	Port              int
	ReadHeaderTimeout time.Duration
	Logger            *slog.Logger
	// CORSOrigins enables CORS for the listed origins when non-empty.
	CORSOrigins []string
	// RateLimiter is applied to every request when set.
	RateLimiter *RateLimiter
	// ServiceName names the inbound span operation.
	ServiceName string
}

type Server struct {
	Router     *chi.Mux
	Port       int
	logger     *slog.Logger
	httpServer *http.Server
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serviceName := opts.ServiceName
	if serviceName == "" {
		serviceName = "camgate"
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(RecoverMiddleware(logger))
	if len(opts.CORSOrigins) > 0 {
		r.Use(CORSMiddleware(opts.CORSOrigins))
	}
	if opts.RateLimiter != nil {
		r.Use(opts.RateLimiter.Middleware)
	}

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		domain.WriteError(w, domain.NewError(domain.KindNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		domain.WriteError(w, domain.NewError(domain.KindNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path)))
	})

	readHeaderTimeout := opts.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 10 * time.Second
	}

	s := &Server{
		Router: r,
		Port:   opts.Port,
		logger: logger,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// MountOps registers /healthz and /metrics. It must be called before
// MountGateway so the ops paths take precedence over the catch-all.
func (s *Server) MountOps(health HealthReporter, metrics http.Handler) {
	s.Router.With(middleware.NoCache).Get("/healthz", HealthHandler(health))
	if metrics != nil {
		s.Router.Get("/metrics", metrics.ServeHTTP)
	}
}

// MountGateway sends every other path to h.
func (s *Server) MountGateway(h http.Handler) {
	s.Router.Handle("/*", h)
}

// Listen binds the configured port. Port 0 picks a free port.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until Shutdown is called. A clean
// shutdown returns nil.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting server", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// RecoverMiddleware turns a handler panic into a logged Internal error
// envelope. http.ErrAbortHandler is re-raised so net/http can abort the
// connection.
func RecoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rvr := recover()
				if rvr == nil {
					return
				}
				if rvr == http.ErrAbortHandler {
					panic(rvr)
				}
				logger.Error("panic serving request",
					slog.String("request_id", GetRequestID(r.Context())),
					slog.Any("panic", rvr),
					slog.String("stack", string(debug.Stack())))
				AddLogField(r.Context(), "panic", fmt.Sprint(rvr))
				domain.WriteError(w, errors.New("panic"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
