package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tjfontaine/camgate/internal/metrics"
	"github.com/tjfontaine/camgate/internal/pkg/config"
)

func TestTarget_URL(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		path     string
		query    string
		expected string
	}{
		{"root base", "http://events:8080", "/events/42", "", "http://events:8080/events/42"},
		{"base with prefix", "http://svc/api/", "/users/me", "", "http://svc/api/users/me"},
		{"query kept", "http://svc", "/recordings", "limit=5", "http://svc/recordings?limit=5"},
		{"trailing slash kept", "http://svc", "/files/", "", "http://svc/files/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target, err := NewTarget(config.UpstreamConfig{Name: "x", BaseURL: tt.base})
			if err != nil {
				t.Fatal(err)
			}
			if got := target.URL(tt.path, tt.query).String(); got != tt.expected {
				t.Errorf("URL() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestNewTarget(t *testing.T) {
	if _, err := NewTarget(config.UpstreamConfig{Name: "x", BaseURL: "ftp://svc"}); err == nil {
		t.Error("expected error for unsupported scheme")
	}

	target, err := NewTarget(config.UpstreamConfig{Name: "x", BaseURL: "http://svc"})
	if err != nil {
		t.Fatal(err)
	}
	if target.Timeout != config.DefaultUpstreamTimeout {
		t.Errorf("Timeout = %v, want default", target.Timeout)
	}
}

func TestNewPool(t *testing.T) {
	p, err := NewPool([]config.UpstreamConfig{
		{Name: "user", BaseURL: "http://user"},
		{Name: "auth", BaseURL: "http://auth"},
	})
	if err != nil {
		t.Fatal(err)
	}
	names := p.Names()
	if len(names) != 2 || names[0] != "auth" || names[1] != "user" {
		t.Errorf("Names() = %v", names)
	}
	if _, ok := p.Get("missing"); ok {
		t.Error("Get() found unknown target")
	}

	_, err = NewPool([]config.UpstreamConfig{
		{Name: "user", BaseURL: "http://a"},
		{Name: "user", BaseURL: "http://b"},
	})
	if err == nil {
		t.Error("expected duplicate error")
	}
}

func TestHealthTable_Transitions(t *testing.T) {
	h := NewHealthTable([]string{"events"}, 3, nil, nil)

	if !h.IsUp("events") {
		t.Fatal("targets must start up")
	}

	probeErr := errors.New("connection refused")
	for i := 1; i <= 2; i++ {
		if h.RecordFailure("events", probeErr) {
			t.Fatalf("went down after %d failures", i)
		}
		if !h.IsUp("events") {
			t.Fatalf("down after %d failures, threshold is 3", i)
		}
	}
	if !h.RecordFailure("events", probeErr) {
		t.Error("expected transition to down on third failure")
	}
	if h.IsUp("events") {
		t.Fatal("expected down")
	}
	if h.RecordFailure("events", probeErr) {
		t.Error("already down, no transition expected")
	}

	if !h.RecordSuccess("events") {
		t.Error("expected transition to up")
	}
	if !h.IsUp("events") {
		t.Fatal("a single success must bring the target up")
	}

	snap := h.Snapshot()
	if len(snap) != 1 || snap[0].ConsecutiveFailures != 0 || snap[0].LastError != "" {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestHealthTable_SuccessResetsCount(t *testing.T) {
	h := NewHealthTable([]string{"events"}, 2, nil, nil)
	h.RecordFailure("events", nil)
	h.RecordSuccess("events")
	h.RecordFailure("events", nil)
	if !h.IsUp("events") {
		t.Error("failures must be consecutive")
	}
}

func TestHealthTable_Sync(t *testing.T) {
	h := NewHealthTable([]string{"a", "b"}, 1, nil, nil)
	h.RecordFailure("a", nil)

	h.Sync([]string{"a", "c"})

	if h.IsUp("a") {
		t.Error("state for a should survive Sync")
	}
	snap := h.Snapshot()
	if len(snap) != 2 || snap[0].Name != "a" || snap[1].Name != "c" {
		t.Errorf("Snapshot() = %+v", snap)
	}
	if !h.IsUp("unknown") {
		t.Error("unknown targets are reported up")
	}
}

func TestHealthTable_SyncDropsRemovedGauge(t *testing.T) {
	m := metrics.New()
	h := NewHealthTable([]string{"a", "b"}, 1, m, nil)

	h.Sync([]string{"a"})

	got, err := testutil.GatherAndCount(m.Registry(), "camgate_upstream_up")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if got != 1 {
		t.Errorf("upstream_up series = %d, want 1", got)
	}
}

func TestNewChecker_DoesNotModifyCallerClient(t *testing.T) {
	shared := &http.Client{Timeout: time.Second}
	c := NewChecker(func() []*Target { return nil }, NewHealthTable(nil, 1, nil, nil), 0, WithCheckerClient(shared))

	if shared.CheckRedirect != nil {
		t.Error("caller's client was modified")
	}
	if c.client == shared || c.client.CheckRedirect == nil {
		t.Error("checker should probe with its own copy that does not follow redirects")
	}
	if c.client.Timeout != time.Second {
		t.Errorf("copied client timeout = %v", c.client.Timeout)
	}
	if c.interval != DefaultCheckInterval {
		t.Errorf("interval = %v, want default for non-positive input", c.interval)
	}
}

func TestHealthTable_Concurrent(t *testing.T) {
	h := NewHealthTable([]string{"events"}, 5, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.RecordFailure("events", nil)
			h.RecordSuccess("events")
		}()
		go func() {
			defer wg.Done()
			_ = h.IsUp("events")
			_ = h.Snapshot()
		}()
	}
	wg.Wait()
}

func TestChecker_MarksDownAndUp(t *testing.T) {
	var healthy atomic.Bool
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		if r.URL.Path != "/healthz" {
			t.Errorf("probe path = %q", r.URL.Path)
		}
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	target, err := NewTarget(config.UpstreamConfig{Name: "events", BaseURL: srv.URL, HealthPath: "/healthz"})
	if err != nil {
		t.Fatal(err)
	}
	noProbe, _ := NewTarget(config.UpstreamConfig{Name: "static", BaseURL: srv.URL})

	table := NewHealthTable([]string{"events", "static"}, 2, nil, nil)
	checker := NewChecker(func() []*Target { return []*Target{target, noProbe} }, table, time.Hour)

	ctx := context.Background()
	checker.CheckAll(ctx)
	if !table.IsUp("events") {
		t.Fatal("one failure should not mark down with threshold 2")
	}
	checker.CheckAll(ctx)
	if table.IsUp("events") {
		t.Fatal("expected events down after two failed probes")
	}
	if probes.Load() != 2 {
		t.Errorf("probes = %d, want 2 (static has no health path)", probes.Load())
	}

	healthy.Store(true)
	checker.CheckAll(ctx)
	if !table.IsUp("events") {
		t.Fatal("expected events back up after a successful probe")
	}
	if !table.IsUp("static") {
		t.Error("unprobed target should stay up")
	}
}

func TestChecker_ProbeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	target, _ := NewTarget(config.UpstreamConfig{Name: "slow", BaseURL: srv.URL, HealthPath: "/"})
	table := NewHealthTable([]string{"slow"}, 1, nil, nil)
	checker := NewChecker(func() []*Target { return []*Target{target} }, table, time.Hour,
		WithProbeTimeout(50*time.Millisecond))

	start := time.Now()
	checker.CheckAll(context.Background())
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("probe did not respect timeout")
	}
	if table.IsUp("slow") {
		t.Error("timed out probe should count as failure")
	}
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
	}))
	defer srv.Close()

	target, _ := NewTarget(config.UpstreamConfig{Name: "svc", BaseURL: srv.URL, HealthPath: "/"})
	table := NewHealthTable([]string{"svc"}, 1, nil, nil)
	checker := NewChecker(func() []*Target { return []*Target{target} }, table, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if probes.Load() < 2 {
		t.Errorf("probes = %d, want at least 2", probes.Load())
	}
}
