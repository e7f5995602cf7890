package upstream

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/camgate/internal/metrics"
)

// TargetStatus is a point-in-time view of one upstream's health.
type TargetStatus struct {
	Name                string    `json:"name"`
	Up                  bool      `json:"up"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastChecked         time.Time `json:"last_checked,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

type healthState struct {
	up          bool
	failures    int
	lastChecked time.Time
	lastError   string
}

// HealthTable records upstream health. A target goes down after threshold
// consecutive failures and comes back up after a single success. Targets
// start up. Safe for concurrent use.
type HealthTable struct {
	mu        sync.RWMutex
	states    map[string]*healthState
	threshold int
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewHealthTable creates a table tracking names.
func NewHealthTable(names []string, threshold int, m *metrics.Metrics, logger *slog.Logger) *HealthTable {
	if threshold < 1 {
		threshold = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &HealthTable{
		states:    make(map[string]*healthState, len(names)),
		threshold: threshold,
		metrics:   m,
		logger:    logger.With(slog.String("component", "health")),
	}
	h.Sync(names)
	return h
}

// Sync makes the table track exactly names, keeping state for names it
// already knew.
func (h *HealthTable) Sync(names []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	keep := make(map[string]struct{}, len(names))
	for _, n := range names {
		keep[n] = struct{}{}
		if _, ok := h.states[n]; !ok {
			h.states[n] = &healthState{up: true}
			h.metrics.SetUpstreamUp(n, true)
		}
	}
	for n := range h.states {
		if _, ok := keep[n]; !ok {
			delete(h.states, n)
			h.metrics.DeleteUpstream(n)
		}
	}
}

// IsUp reports whether name is currently considered healthy. Unknown
// targets are reported up.
func (h *HealthTable) IsUp(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.states[name]
	return !ok || s.up
}

// RecordSuccess marks name up. It returns true if the status changed.
func (h *HealthTable) RecordSuccess(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.states[name]
	if !ok {
		return false
	}
	s.failures = 0
	s.lastChecked = time.Now()
	s.lastError = ""
	if s.up {
		return false
	}
	s.up = true
	h.metrics.SetUpstreamUp(name, true)
	h.logger.Info("upstream recovered", slog.String("upstream", name))
	return true
}

// RecordFailure counts a failed probe. It returns true if name just went down.
func (h *HealthTable) RecordFailure(name string, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.states[name]
	if !ok {
		return false
	}
	s.failures++
	s.lastChecked = time.Now()
	if err != nil {
		s.lastError = err.Error()
	}
	if !s.up || s.failures < h.threshold {
		return false
	}
	s.up = false
	h.metrics.SetUpstreamUp(name, false)
	h.logger.Warn("upstream marked down",
		slog.String("upstream", name),
		slog.Int("consecutive_failures", s.failures),
		slog.String("error", s.lastError))
	return true
}

// Snapshot returns the status of every tracked target sorted by name.
func (h *HealthTable) Snapshot() []TargetStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]TargetStatus, 0, len(h.states))
	for name, s := range h.states {
		out = append(out, TargetStatus{
			Name:                name,
			Up:                  s.up,
			ConsecutiveFailures: s.failures,
			LastChecked:         s.lastChecked,
			LastError:           s.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
