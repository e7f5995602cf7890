package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides. A double underscore
// separates key levels: CAMGATE_SERVER__PORT sets server.port.
const EnvPrefix = "CAMGATE_"

type Config struct {
	Server    ServerConfig     `koanf:"server"`
	Upstreams []UpstreamConfig `koanf:"upstreams"`
	Routes    []RouteConfig    `koanf:"routes"`
	Auth      AuthConfig       `koanf:"auth"`
	Health    HealthConfig     `koanf:"health"`
	Proxy     ProxyConfig      `koanf:"proxy"`
	RateLimit RateLimitConfig  `koanf:"rate_limit"`
	CORS      CORSConfig       `koanf:"cors"`
	OAuth     OAuthConfig      `koanf:"oauth"`
	Telemetry TelemetryConfig  `koanf:"telemetry"`
}

type ServerConfig struct {
	Port              int           `koanf:"port"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	// TrustedProxies lists peer IPs whose X-Forwarded-For is honored.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

// UpstreamConfig describes one backend service.
type UpstreamConfig struct {
	Name       string        `koanf:"name"`
	BaseURL    string        `koanf:"base_url"`
	Timeout    time.Duration `koanf:"timeout"`
	HealthPath string        `koanf:"health_path"`
}

// RouteConfig describes one entry of the route table.
type RouteConfig struct {
	Method    string        `koanf:"method"`
	Path      string        `koanf:"path"`
	Upstream  string        `koanf:"upstream"`
	Auth      string        `koanf:"auth"` // public, bearer
	Timeout   time.Duration `koanf:"timeout"`
	Streaming bool          `koanf:"streaming"`
	Rewrite   string        `koanf:"rewrite"`
}

type AuthConfig struct {
	// Upstream names the auth service that answers introspection.
	Upstream          string        `koanf:"upstream"`
	IntrospectionPath string        `koanf:"introspection_path"`
	ClientID          string        `koanf:"client_id"`
	ClientSecret      string        `koanf:"client_secret"`
	Timeout           time.Duration `koanf:"timeout"`
	CacheTTL          time.Duration `koanf:"cache_ttl"`
	CacheSize         int           `koanf:"cache_size"`
}

type HealthConfig struct {
	Interval         time.Duration `koanf:"interval"`
	Timeout          time.Duration `koanf:"timeout"`
	FailureThreshold int           `koanf:"failure_threshold"`
}

type ProxyConfig struct {
	RetryBackoff       time.Duration `koanf:"retry_backoff"`
	MaxReplayBodyBytes int64         `koanf:"max_replay_body_bytes"`
}

type RateLimitConfig struct {
	Enabled             bool          `koanf:"enabled"`
	RequestsPerInterval int           `koanf:"requests_per_interval"`
	Interval            time.Duration `koanf:"interval"`
	CleanupInterval     time.Duration `koanf:"cleanup_interval"`
	StaleAfter          time.Duration `koanf:"stale_after"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type OAuthConfig struct {
	StateCookieTTL time.Duration         `koanf:"state_cookie_ttl"`
	Providers      []OAuthProviderConfig `koanf:"providers"`
}

// OAuthProviderConfig configures the /auth/{provider} kickoff redirect.
// Known names (github, google) fill AuthURL and TokenURL automatically.
// The client secret stays with the service that exchanges the code.
type OAuthProviderConfig struct {
	Name        string   `koanf:"name"`
	ClientID    string   `koanf:"client_id"`
	RedirectURL string   `koanf:"redirect_url"`
	Scopes      []string `koanf:"scopes"`
	AuthURL     string   `koanf:"auth_url"`
	TokenURL    string   `koanf:"token_url"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var defaults = map[string]any{
	"server.port":                 8080,
	"server.read_header_timeout":  "10s",
	"server.shutdown_timeout":     "30s",
	"auth.introspection_path":     "/oauth/introspect",
	"auth.timeout":                "3s",
	"auth.cache_ttl":              "60s",
	"auth.cache_size":             10000,
	"health.interval":             "10s",
	"health.timeout":              "2s",
	"health.failure_threshold":    3,
	"proxy.retry_backoff":         "100ms",
	"proxy.max_replay_body_bytes": 1 << 20,
	"rate_limit.interval":         "1s",
	"rate_limit.cleanup_interval": "1m",
	"rate_limit.stale_after":      "5m",
	"oauth.state_cookie_ttl":      "10m",
	"telemetry.service_name":      "camgate",
}

// DefaultUpstreamTimeout applies to upstreams that do not set one.
const DefaultUpstreamTimeout = 10 * time.Second

// Load reads path (if it exists), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// File not found is OK, we'll use env vars
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Auth.ClientSecret = substituteEnvVars(cfg.Auth.ClientSecret)
	for i := range cfg.OAuth.Providers {
		cfg.OAuth.Providers[i].ClientID = substituteEnvVars(cfg.OAuth.Providers[i].ClientID)
	}
	for i := range cfg.Upstreams {
		cfg.Upstreams[i].BaseURL = substituteEnvVars(cfg.Upstreams[i].BaseURL)
		if cfg.Upstreams[i].Timeout <= 0 {
			cfg.Upstreams[i].Timeout = DefaultUpstreamTimeout
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-references between upstreams, routes and auth.
// Route pattern conflicts are detected later when the route table is built.
func (c *Config) Validate() error {
	var errs []error

	// Port 0 binds an ephemeral port.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	upstreams := make(map[string]struct{}, len(c.Upstreams))
	for i, u := range c.Upstreams {
		if u.Name == "" {
			errs = append(errs, fmt.Errorf("upstreams[%d]: name is required", i))
			continue
		}
		if _, dup := upstreams[u.Name]; dup {
			errs = append(errs, fmt.Errorf("upstreams[%d]: duplicate name %q", i, u.Name))
		}
		upstreams[u.Name] = struct{}{}

		parsed, err := url.Parse(u.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("upstream %q: base_url %q must be an absolute URL", u.Name, u.BaseURL))
		}
	}

	needsAuth := false
	for i, r := range c.Routes {
		if r.Method == "" || r.Path == "" {
			errs = append(errs, fmt.Errorf("routes[%d]: method and path are required", i))
		}
		if _, ok := upstreams[r.Upstream]; !ok {
			errs = append(errs, fmt.Errorf("routes[%d] %s %s: unknown upstream %q", i, r.Method, r.Path, r.Upstream))
		}
		switch r.Auth {
		case "", "public":
		case "bearer":
			needsAuth = true
		default:
			errs = append(errs, fmt.Errorf("routes[%d] %s %s: unknown auth mode %q", i, r.Method, r.Path, r.Auth))
		}
	}

	if needsAuth || c.Auth.Upstream != "" {
		if _, ok := upstreams[c.Auth.Upstream]; !ok {
			errs = append(errs, fmt.Errorf("auth.upstream %q must name a configured upstream", c.Auth.Upstream))
		}
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, fmt.Errorf("health.interval must be positive"))
	}
	if c.Health.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("health.timeout must be positive"))
	}
	if c.Health.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("health.failure_threshold must be at least 1"))
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerInterval <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.requests_per_interval must be positive when enabled"))
	}

	for i, p := range c.OAuth.Providers {
		if p.Name == "" || p.ClientID == "" {
			errs = append(errs, fmt.Errorf("oauth.providers[%d]: name and client_id are required", i))
		}
	}

	return errors.Join(errs...)
}

// Upstream returns the upstream with the given name.
func (c *Config) Upstream(name string) (UpstreamConfig, bool) {
	for _, u := range c.Upstreams {
		if u.Name == name {
			return u, true
		}
	}
	return UpstreamConfig{}, false
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
