// Package router holds the gateway route table: registration with conflict
// detection and most-specific-match lookup.
package router

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/camgate/internal/domain"
)

// AuthMode is the authentication requirement of a route.
type AuthMode string

const (
	AuthPublic AuthMode = "public"
	AuthBearer AuthMode = "bearer"
)

// Valid reports whether m is a known auth mode.
func (m AuthMode) Valid() bool {
	return m == AuthPublic || m == AuthBearer
}

// Route binds a method and path pattern to an upstream target or a local handler.
type Route struct {
	Method  string
	Pattern string
	// Upstream names the target service. Ignored when Handler is set.
	Upstream string
	Auth     AuthMode
	// Timeout bounds a single upstream attempt. Zero means the upstream default.
	Timeout time.Duration
	// Streaming routes are piped to the client without buffering or retry.
	Streaming bool
	// Rewrite is the upstream path template, e.g. /api/v1/recordings/{id}.
	// Empty forwards the request path unchanged.
	Rewrite string
	// Handler serves the route inside the gateway instead of proxying.
	Handler http.Handler
}

// ID identifies the route in logs and metrics.
func (r *Route) ID() string {
	return r.Method + " " + r.Pattern
}

// Match is the result of a successful lookup.
type Match struct {
	Route  *Route
	Params map[string]string
}

type entry struct {
	route   *Route
	pattern *pattern
	order   int
}

// Table is an immutable-after-build route table. Build a new Table to
// change routes; lookups are safe for concurrent use.
type Table struct {
	byMethod map[string][]*entry
	byShape  map[string]*entry
	ordered  []*entry
}

// NewTable creates an empty route table.
func NewTable() *Table {
	return &Table{
		byMethod: make(map[string][]*entry),
		byShape:  make(map[string]*entry),
	}
}

// Register adds a route. It fails with a RouteConflict error if another
// route already uses the same method and pattern shape.
func (t *Table) Register(r *Route) error {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		return fmt.Errorf("route %q: method is required", r.Pattern)
	}
	r.Method = method
	if r.Auth == "" {
		r.Auth = AuthPublic
	}
	if !r.Auth.Valid() {
		return fmt.Errorf("route %s: unknown auth mode %q", r.ID(), r.Auth)
	}
	if r.Handler == nil && r.Upstream == "" {
		return fmt.Errorf("route %s: upstream or handler is required", r.ID())
	}

	p, err := parsePattern(r.Pattern)
	if err != nil {
		return fmt.Errorf("route %s: %w", r.ID(), err)
	}

	key := method + " " + p.shape()
	if existing, ok := t.byShape[key]; ok {
		return domain.NewError(domain.KindRouteConflict,
			fmt.Sprintf("route %s conflicts with %s", r.ID(), existing.route.ID()))
	}

	e := &entry{route: r, pattern: p, order: len(t.ordered)}
	t.byShape[key] = e
	t.byMethod[method] = append(t.byMethod[method], e)
	t.ordered = append(t.ordered, e)
	return nil
}

// Match finds the most specific route for method and path or fails with NotFound.
// HEAD requests fall back to GET routes.
func (t *Table) Match(method, path string) (*Match, error) {
	parts := splitPath(path)
	method = strings.ToUpper(method)

	if m := t.best(method, parts); m != nil {
		return m, nil
	}
	if method == http.MethodHead {
		if m := t.best(http.MethodGet, parts); m != nil {
			return m, nil
		}
	}
	return nil, domain.NewError(domain.KindNotFound, fmt.Sprintf("no route for %s %s", method, path))
}

func (t *Table) best(method string, parts []string) *Match {
	var (
		winner *entry
		params map[string]string
	)
	for _, e := range t.byMethod[method] {
		p, ok := e.pattern.match(parts)
		if !ok {
			continue
		}
		if winner == nil || moreSpecific(e, winner) {
			winner, params = e, p
		}
	}
	if winner == nil {
		return nil
	}
	return &Match{Route: winner.route, Params: params}
}

// moreSpecific orders candidates: longest literal prefix, then most
// literals, then no catch-all, then earliest registration.
func moreSpecific(a, b *entry) bool {
	if ap, bp := a.pattern.literalPrefix(), b.pattern.literalPrefix(); ap != bp {
		return ap > bp
	}
	if al, bl := a.pattern.literalCount(), b.pattern.literalCount(); al != bl {
		return al > bl
	}
	if ac, bc := a.pattern.hasCatchAll(), b.pattern.hasCatchAll(); ac != bc {
		return !ac
	}
	return a.order < b.order
}

// Routes returns the registered routes in registration order.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.ordered))
	for i, e := range t.ordered {
		out[i] = e.route
	}
	return out
}

// Len returns the number of registered routes.
func (t *Table) Len() int {
	return len(t.ordered)
}
