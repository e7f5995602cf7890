package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Checker probes upstream health paths on an interval and records the
// outcome in a HealthTable.
type Checker struct {
	targets  func() []*Target
	table    *HealthTable
	client   *http.Client
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithCheckerClient sets the HTTP client used for probes.
func WithCheckerClient(c *http.Client) CheckerOption {
	return func(ch *Checker) { ch.client = c }
}

// WithProbeTimeout bounds each individual probe.
func WithProbeTimeout(d time.Duration) CheckerOption {
	return func(ch *Checker) { ch.timeout = d }
}

// WithCheckerLogger sets the logger.
func WithCheckerLogger(l *slog.Logger) CheckerOption {
	return func(ch *Checker) { ch.logger = l }
}

// DefaultCheckInterval is used when NewChecker is given a non-positive interval.
const DefaultCheckInterval = 10 * time.Second

// NewChecker creates a checker. targets is called on every round so the
// probed set follows config reloads.
func NewChecker(targets func() []*Target, table *HealthTable, interval time.Duration, opts ...CheckerOption) *Checker {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	c := &Checker{
		targets:  targets,
		table:    table,
		interval: interval,
		timeout:  2 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	var client http.Client
	if c.client != nil {
		client = *c.client
	}
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	c.client = &client
	return c
}

// Run probes immediately and then on every interval until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	c.CheckAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

// CheckAll runs one probe round concurrently across every target with a
// health path.
func (c *Checker) CheckAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range c.targets() {
		if t.HealthPath == "" {
			continue
		}
		g.Go(func() error {
			if err := c.probe(gctx, t); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Debug("health probe failed",
					slog.String("upstream", t.Name),
					slog.String("error", err.Error()))
				c.table.RecordFailure(t.Name, err)
				return nil
			}
			c.table.RecordSuccess(t.Name)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Checker) probe(ctx context.Context, t *Target) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL(t.HealthPath, "").String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
