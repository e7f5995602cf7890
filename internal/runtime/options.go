package runtime

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tjfontaine/camgate/internal/adapters/config/file"
	"github.com/tjfontaine/camgate/internal/auth"
	"github.com/tjfontaine/camgate/internal/metrics"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithFileConfig uses file-based configuration with hot-reload (default).
// The path should point to a config.yaml file that will be watched for changes.
func WithFileConfig(path string) Option {
	return func(g *Gateway) error {
		provider, err := file.NewProvider(path, g.logger)
		if err != nil {
			return fmt.Errorf("create file config provider: %w", err)
		}
		g.config = provider
		return nil
	}
}

// WithConfigProvider sets a custom config provider.
// For advanced use cases where you need full control over config loading.
func WithConfigProvider(provider ConfigProvider) Option {
	return func(g *Gateway) error {
		g.config = provider
		return nil
	}
}

// WithLogger sets a custom logger. Pass it before WithFileConfig so the
// config watcher logs through it too.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithIntrospector replaces the HTTP introspection client. Results are still
// cached.
func WithIntrospector(i auth.Introspector) Option {
	return func(g *Gateway) error {
		g.introspector = i
		return nil
	}
}

// WithMetrics sets the metrics collectors served on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) error {
		g.metrics = m
		return nil
	}
}

// WithUpstreamClient sets the HTTP client used for proxied calls and
// token introspection.
func WithUpstreamClient(c *http.Client) Option {
	return func(g *Gateway) error {
		g.upstreamClient = c
		return nil
	}
}
