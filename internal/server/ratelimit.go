package server

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tjfontaine/camgate/internal/domain"
	"github.com/tjfontaine/camgate/internal/pkg/config"
)

// RateLimiter enforces a token bucket per client IP and forgets clients
// that have been idle longer than the configured stale period.
type RateLimiter struct {
	mu              sync.Mutex
	clients         map[string]*clientEntry
	rate            rate.Limit
	burst           int
	cleanupInterval time.Duration
	staleAfter      time.Duration
	trustedProxies  map[string]bool
	done            chan struct{}
	closeOnce       sync.Once
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter starts a limiter allowing cfg.RequestsPerInterval requests
// per cfg.Interval per client, with the same number as burst. Forwarded-for
// headers are honored only from trustedProxies.
func NewRateLimiter(cfg config.RateLimitConfig, trustedProxies []string) (*RateLimiter, error) {
	if cfg.RequestsPerInterval <= 0 {
		return nil, fmt.Errorf("ratelimit: requests_per_interval must be positive")
	}
	if cfg.Interval <= 0 || cfg.CleanupInterval <= 0 || cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("ratelimit: interval, cleanup_interval and stale_after must be positive")
	}

	l := &RateLimiter{
		clients:         make(map[string]*clientEntry),
		rate:            rate.Limit(float64(cfg.RequestsPerInterval) / cfg.Interval.Seconds()),
		burst:           cfg.RequestsPerInterval,
		cleanupInterval: cfg.CleanupInterval,
		staleAfter:      cfg.StaleAfter,
		trustedProxies:  make(map[string]bool, len(trustedProxies)),
		done:            make(chan struct{}),
	}
	for _, p := range trustedProxies {
		l.trustedProxies[p] = true
	}

	go l.cleanupLoop()
	return l, nil
}

func (l *RateLimiter) client(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.clients[ip]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Allow reports whether a request from ip may proceed.
func (l *RateLimiter) Allow(ip string) bool {
	return l.client(ip).Allow()
}

// RetryAfter returns the whole seconds until ip may send again.
func (l *RateLimiter) RetryAfter(ip string) int {
	reservation := l.client(ip).Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return int(math.Ceil(delay.Seconds()))
}

func (l *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.done:
			return
		}
	}
}

func (l *RateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for ip, entry := range l.clients {
		if now.Sub(entry.lastSeen) > l.staleAfter {
			delete(l.clients, ip)
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (l *RateLimiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// ClientIP returns the address used as the rate limit key. X-Forwarded-For
// and X-Real-IP are only believed when the peer is a trusted proxy.
func (l *RateLimiter) ClientIP(r *http.Request) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}
	if !l.trustedProxies[remoteIP] {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(clientIP) != nil {
			return clientIP
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return remoteIP
}

// Middleware rejects requests over the limit with 429, a Retry-After header
// and the standard error envelope.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := l.ClientIP(r)
		if !l.Allow(ip) {
			retryAfter := l.RetryAfter(ip)
			if retryAfter < 1 {
				retryAfter = 1
			}
			AddLogField(r.Context(), "client_ip", ip)
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			domain.WriteError(w, domain.NewError(domain.KindTooManyRequests,
				fmt.Sprintf("rate limit exceeded, retry in %d seconds", retryAfter)))
			return
		}
		next.ServeHTTP(w, r)
	})
}
