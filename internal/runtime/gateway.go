// Package runtime provides the core Gateway struct and lifecycle management
// for the camgate API gateway.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/camgate/internal/auth"
	"github.com/tjfontaine/camgate/internal/metrics"
	"github.com/tjfontaine/camgate/internal/oauth"
	"github.com/tjfontaine/camgate/internal/pkg/config"
	"github.com/tjfontaine/camgate/internal/proxy"
	"github.com/tjfontaine/camgate/internal/router"
	"github.com/tjfontaine/camgate/internal/server"
	"github.com/tjfontaine/camgate/internal/upstream"
)

// ConfigProvider loads gateway configuration and reports changes.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// Gateway is the main entry point for running the gateway. It owns the
// route table, upstream health, token cache and HTTP server lifecycle.
// Gateway can be embedded in larger applications or run standalone.
type Gateway struct {
	// Dependencies (injected via options)
	config         ConfigProvider
	introspector   auth.Introspector
	metrics        *metrics.Metrics
	upstreamClient *http.Client
	logger         *slog.Logger

	// Internal state
	state    atomic.Pointer[proxy.Snapshot]
	health   *upstream.HealthTable
	cache    *auth.CachingIntrospector
	limiter  *server.RateLimiter
	server   *server.Server
	listener net.Listener
	cfg      *config.Config

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errCh  chan error
	mu     sync.Mutex
}

// New creates a new Gateway with the given options. A config provider is
// required (use WithFileConfig or WithConfigProvider).
func New(opts ...Option) (*Gateway, error) {
	gw := &Gateway{
		logger: slog.Default(),
		errCh:  make(chan error, 1),
	}

	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.config == nil {
		return nil, fmt.Errorf("config provider required (use WithFileConfig or WithConfigProvider)")
	}
	if gw.metrics == nil {
		gw.metrics = metrics.New()
	}
	if gw.upstreamClient == nil {
		gw.upstreamClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return gw, nil
}

// Start loads the configuration, builds every component and begins serving.
// It returns once the listener is bound; serve errors are reported on Err.
func (g *Gateway) Start(ctx context.Context) (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.ctx, g.cancel = context.WithCancel(ctx)
	defer func() {
		if err != nil {
			g.cancel()
		}
	}()

	cfg, err := g.config.Load(g.ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	g.cfg = cfg

	if err := g.initAuth(cfg); err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	snap, err := g.buildSnapshot(cfg)
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}
	g.state.Store(snap)
	g.health = upstream.NewHealthTable(snap.Upstreams.Names(), cfg.Health.FailureThreshold, g.metrics, g.logger)

	if err := g.startServer(cfg); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	checker := upstream.NewChecker(
		func() []*upstream.Target { return g.state.Load().Upstreams.Targets() },
		g.health,
		cfg.Health.Interval,
		upstream.WithProbeTimeout(cfg.Health.Timeout),
		upstream.WithCheckerLogger(g.logger.With(slog.String("component", "health"))),
	)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		checker.Run(g.ctx)
	}()

	// Watch for config changes
	go g.watchConfig()

	g.logger.Info("gateway started",
		slog.String("addr", g.listener.Addr().String()),
		slog.Int("routes", snap.Routes.Len()),
		slog.Int("upstreams", len(snap.Upstreams.Names())))

	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Err reports a fatal serve error.
func (g *Gateway) Err() <-chan error {
	return g.errCh
}

// Routes returns the active route table.
func (g *Gateway) Routes() []*router.Route {
	if snap := g.state.Load(); snap != nil {
		return snap.Routes.Routes()
	}
	return nil
}

// Shutdown gracefully stops the gateway.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info("shutting down gateway")

	if g.cancel != nil {
		g.cancel()
	}

	var errs []error
	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("failed to shutdown server", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if g.limiter != nil {
		g.limiter.Close()
	}
	if g.config != nil {
		if err := g.config.Close(); err != nil {
			g.logger.Error("failed to close config", slog.String("error", err.Error()))
		}
	}

	g.wg.Wait()
	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

// watchConfig watches for config changes and reloads.
func (g *Gateway) watchConfig() {
	onChange := func(newCfg *config.Config) {
		g.logger.Info("config changed, reloading")
		if err := g.reload(newCfg); err != nil {
			g.logger.Error("failed to reload, keeping previous config", slog.String("error", err.Error()))
		}
	}

	if err := g.config.Watch(g.ctx, onChange); err != nil {
		if !errors.Is(err, context.Canceled) {
			g.logger.Error("config watch failed", slog.String("error", err.Error()))
		}
	}
}

// reload swaps in the routes and upstreams of cfg. The old snapshot keeps
// serving if cfg does not build. Listener, auth and rate limit settings
// need a restart to change.
func (g *Gateway) reload(cfg *config.Config) error {
	snap, err := g.buildSnapshot(cfg)
	if err != nil {
		return err
	}
	g.state.Store(snap)
	g.health.Sync(snap.Upstreams.Names())

	g.logger.Info("config reloaded",
		slog.Int("routes", snap.Routes.Len()),
		slog.Int("upstreams", len(snap.Upstreams.Names())))
	return nil
}

// initAuth builds the cached introspector. Without an auth upstream and no
// injected introspector, bearer routes cannot be served; config validation
// rejects that combination.
func (g *Gateway) initAuth(cfg *config.Config) error {
	next := g.introspector
	if next == nil && cfg.Auth.Upstream != "" {
		u, ok := cfg.Upstream(cfg.Auth.Upstream)
		if !ok {
			return fmt.Errorf("auth upstream %q is not configured", cfg.Auth.Upstream)
		}
		target, err := upstream.NewTarget(u)
		if err != nil {
			return err
		}
		opts := []auth.HTTPIntrospectorOption{
			auth.WithHTTPClient(g.upstreamClient),
			auth.WithTimeout(cfg.Auth.Timeout),
		}
		if cfg.Auth.ClientID != "" {
			opts = append(opts, auth.WithClientCredentials(cfg.Auth.ClientID, cfg.Auth.ClientSecret))
		}
		endpoint := target.URL(cfg.Auth.IntrospectionPath, "").String()
		h, err := auth.NewHTTPIntrospector(endpoint, opts...)
		if err != nil {
			return err
		}
		next = h
	}
	if next == nil {
		return nil
	}

	g.cache = auth.NewCachingIntrospector(next,
		auth.WithCacheTTL(cfg.Auth.CacheTTL),
		auth.WithCacheSize(cfg.Auth.CacheSize),
		auth.WithCacheMetrics(g.metrics))
	return nil
}

// buildSnapshot builds the upstream pool and route table for cfg, including
// the built-in auth routes.
func (g *Gateway) buildSnapshot(cfg *config.Config) (*proxy.Snapshot, error) {
	builtins, err := g.builtinRoutes(cfg)
	if err != nil {
		return nil, err
	}
	return BuildSnapshot(cfg, builtins)
}

func (g *Gateway) builtinRoutes(cfg *config.Config) ([]*router.Route, error) {
	var routes []*router.Route
	if len(cfg.OAuth.Providers) > 0 {
		kickoff, err := oauth.NewKickoff(cfg.OAuth, g.logger)
		if err != nil {
			return nil, err
		}
		routes = append(routes, &router.Route{
			Method:  http.MethodGet,
			Pattern: "/auth/{" + oauth.ProviderParam + "}",
			Auth:    router.AuthPublic,
			Handler: kickoff,
		})
	}
	if g.cache != nil {
		routes = append(routes, &router.Route{
			Method:  http.MethodPost,
			Pattern: "/auth/logout",
			Auth:    router.AuthPublic,
			Handler: auth.LogoutHandler(g.cache, g.logger),
		})
	}
	return routes, nil
}

// BuildSnapshot registers builtins followed by the configured routes.
// A pattern conflict fails with a RouteConflict error.
func BuildSnapshot(cfg *config.Config, builtins []*router.Route) (*proxy.Snapshot, error) {
	pool, err := upstream.NewPool(cfg.Upstreams)
	if err != nil {
		return nil, err
	}

	table := router.NewTable()
	for _, r := range builtins {
		if err := table.Register(r); err != nil {
			return nil, err
		}
	}
	for _, rc := range cfg.Routes {
		if _, ok := pool.Get(rc.Upstream); !ok {
			return nil, fmt.Errorf("route %s %s: unknown upstream %q", rc.Method, rc.Path, rc.Upstream)
		}
		if err := table.Register(&router.Route{
			Method:    rc.Method,
			Pattern:   rc.Path,
			Upstream:  rc.Upstream,
			Auth:      router.AuthMode(rc.Auth),
			Timeout:   rc.Timeout,
			Streaming: rc.Streaming,
			Rewrite:   rc.Rewrite,
		}); err != nil {
			return nil, err
		}
	}
	return &proxy.Snapshot{Routes: table, Upstreams: pool}, nil
}

// CheckRoutes builds the route table cfg would produce, with placeholder
// handlers for the built-in routes.
func CheckRoutes(cfg *config.Config) ([]*router.Route, error) {
	placeholder := http.NotFoundHandler()
	var builtins []*router.Route
	if len(cfg.OAuth.Providers) > 0 {
		if _, err := oauth.NewKickoff(cfg.OAuth, nil); err != nil {
			return nil, err
		}
		builtins = append(builtins, &router.Route{Method: http.MethodGet, Pattern: "/auth/{provider}", Handler: placeholder})
	}
	if cfg.Auth.Upstream != "" {
		builtins = append(builtins, &router.Route{Method: http.MethodPost, Pattern: "/auth/logout", Handler: placeholder})
	}
	snap, err := BuildSnapshot(cfg, builtins)
	if err != nil {
		return nil, err
	}
	return snap.Routes.Routes(), nil
}

// startServer binds the listener and serves in the background.
func (g *Gateway) startServer(cfg *config.Config) error {
	if cfg.RateLimit.Enabled {
		limiter, err := server.NewRateLimiter(cfg.RateLimit, cfg.Server.TrustedProxies)
		if err != nil {
			return err
		}
		g.limiter = limiter
	}

	dispatcher := proxy.NewDispatcher(g.health,
		proxy.WithHTTPClient(g.upstreamClient),
		proxy.WithMetrics(g.metrics),
		proxy.WithLogger(g.logger),
		proxy.WithRetryBackoff(cfg.Proxy.RetryBackoff),
		proxy.WithMaxReplayBody(cfg.Proxy.MaxReplayBodyBytes))

	var authn proxy.Authenticator
	if g.cache != nil {
		authn = auth.NewAuthenticator(g.cache, g.logger)
	}
	handler := proxy.NewHandler(g.state.Load, authn, dispatcher, g.metrics, g.logger)

	g.server = server.New(server.Options{
		Port:              cfg.Server.Port,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		Logger:            g.logger,
		CORSOrigins:       cfg.CORS.AllowedOrigins,
		RateLimiter:       g.limiter,
		ServiceName:       cfg.Telemetry.ServiceName,
	})
	g.server.MountOps(g.health, g.metrics.Handler())
	g.server.MountGateway(handler)

	ln, err := g.server.Listen()
	if err != nil {
		if g.limiter != nil {
			g.limiter.Close()
		}
		return err
	}
	g.listener = ln

	go func() {
		if err := g.server.Serve(ln); err != nil {
			g.logger.Error("server error", slog.String("error", err.Error()))
			select {
			case g.errCh <- err:
			default:
			}
		}
	}()
	return nil
}
