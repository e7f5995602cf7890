// Package upstream models the backend services the gateway proxies to and
// tracks their health.
package upstream

import (
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/tjfontaine/camgate/internal/pkg/config"
)

// Target is a backend service reachable at BaseURL.
type Target struct {
	Name    string
	BaseURL *url.URL
	// Timeout is the default per-attempt deadline for routes that set none.
	Timeout time.Duration
	// HealthPath is probed by the health checker. Empty disables probing.
	HealthPath string
}

// NewTarget builds a target from its configuration.
func NewTarget(cfg config.UpstreamConfig) (*Target, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: parse base_url: %w", cfg.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream %s: unsupported scheme %q", cfg.Name, u.Scheme)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultUpstreamTimeout
	}
	return &Target{
		Name:       cfg.Name,
		BaseURL:    u,
		Timeout:    timeout,
		HealthPath: cfg.HealthPath,
	}, nil
}

// URL joins the base URL with an upstream path and raw query.
func (t *Target) URL(upstreamPath, rawQuery string) *url.URL {
	u := *t.BaseURL
	joined := path.Join("/", strings.TrimSuffix(u.Path, "/"), upstreamPath)
	if strings.HasSuffix(upstreamPath, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	u.Path = joined
	u.RawPath = ""
	u.RawQuery = rawQuery
	u.Fragment = ""
	return &u
}

// Pool is an immutable set of targets keyed by name.
type Pool struct {
	targets map[string]*Target
}

// NewPool builds targets for every configured upstream.
func NewPool(cfgs []config.UpstreamConfig) (*Pool, error) {
	p := &Pool{targets: make(map[string]*Target, len(cfgs))}
	for _, c := range cfgs {
		t, err := NewTarget(c)
		if err != nil {
			return nil, err
		}
		if _, dup := p.targets[t.Name]; dup {
			return nil, fmt.Errorf("duplicate upstream %q", t.Name)
		}
		p.targets[t.Name] = t
	}
	return p, nil
}

// Get returns the named target.
func (p *Pool) Get(name string) (*Target, bool) {
	t, ok := p.targets[name]
	return t, ok
}

// Targets returns all targets sorted by name.
func (p *Pool) Targets() []*Target {
	out := make([]*Target, 0, len(p.targets))
	for _, t := range p.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the target names sorted.
func (p *Pool) Names() []string {
	targets := p.Targets()
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Name
	}
	return names
}
