// Package ratelimit limits control requests per client.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter keeps one token bucket per client address.
type Limiter struct {
	mu           sync.Mutex
	perClient    map[string]*bucket
	defaultRate  rate.Limit
	defaultBurst int
	idleTTL      time.Duration
	trusted      map[string]bool
	now          func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithTrustedProxies makes the limiter key requests arriving from these
// hosts by their X-Forwarded-For client instead of the proxy itself.
func WithTrustedProxies(hosts ...string) Option {
	return func(l *Limiter) {
		for _, h := range hosts {
			l.trusted[strings.TrimSpace(h)] = true
		}
	}
}

// WithIdleTTL sets how long an unused client bucket is kept.
func WithIdleTTL(ttl time.Duration) Option {
	return func(l *Limiter) {
		if ttl > 0 {
			l.idleTTL = ttl
		}
	}
}

// NewLimiter creates a limiter granting requestsPerSecond with the given
// burst to every client. A non-positive rate disables limiting.
func NewLimiter(requestsPerSecond float64, burst int, opts ...Option) *Limiter {
	r := rate.Limit(requestsPerSecond)
	if requestsPerSecond <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		perClient:    make(map[string]*bucket),
		defaultRate:  r,
		defaultBurst: burst,
		idleTTL:      10 * time.Minute,
		trusted:      make(map[string]bool),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enabled reports whether the limiter rejects anything at all.
func (l *Limiter) Enabled() bool {
	return l.defaultRate != rate.Inf
}

func (l *Limiter) get(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.perClient[client]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.defaultRate, l.defaultBurst)}
		l.perClient[client] = b
	}
	b.lastSeen = l.now()
	return b.limiter
}

// Allow reports whether client may make a request now.
func (l *Limiter) Allow(client string) bool {
	return l.get(client).AllowN(l.now(), 1)
}

// Prune forgets clients idle longer than the idle TTL and returns how many
// were removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idleTTL)
	removed := 0
	for client, b := range l.perClient {
		if b.lastSeen.Before(cutoff) {
			delete(l.perClient, client)
			removed++
		}
	}
	return removed
}

// Run prunes idle clients every half idle TTL until ctx ends.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// Stats returns rate limiter statistics.
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return LimiterStats{
		ClientCount:  len(l.perClient),
		DefaultRate:  float64(l.defaultRate),
		DefaultBurst: l.defaultBurst,
	}
}

// LimiterStats contains rate limiter statistics.
type LimiterStats struct {
	ClientCount  int     `json:"client_count"`
	DefaultRate  float64 `json:"default_rate"`
	DefaultBurst int     `json:"default_burst"`
}

// ClientKey identifies the caller of r by its remote host. Requests from
// a trusted proxy are keyed by the first X-Forwarded-For hop instead.
func (l *Limiter) ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !l.trusted[host] {
		return host
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return host
}
