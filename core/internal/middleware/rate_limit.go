package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"omnichannel-routing-system/shared/httpx"
	"omnichannel-routing-system/shared/metricsx"
	"omnichannel-routing-system/shared/tenantx"
)

// RateLimitMiddleware throttles per tenant, or per client IP for requests
// that carry no tenant yet.
type RateLimitMiddleware struct {
	Limiter *KeyedLimiter
	Skip    func(*http.Request) bool
}

func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if m.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		scope, key := "tenant", tenantx.TenantIDFromContext(r.Context())
		if key == "" {
			scope, key = "ip", "ip:"+httpx.ClientIP(r)
		}
		if !m.Limiter.Allow(key) {
			metricsx.IncRateLimited(scope)
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// KeyedLimiter hands out one token bucket per key and forgets keys idle
// for longer than ttl.
type KeyedLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
	clients map[string]*keyedBucket
}

type keyedBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewKeyedLimiter(rps float64, burst int, ttl time.Duration) *KeyedLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &KeyedLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		clients: make(map[string]*keyedBucket),
	}
}

func (l *KeyedLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanup(now)
	b, ok := l.clients[key]
	if !ok {
		b = &keyedBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *KeyedLimiter) cleanup(now time.Time) {
	for key, b := range l.clients {
		if now.Sub(b.lastSeen) > l.ttl {
			delete(l.clients, key)
		}
	}
}
