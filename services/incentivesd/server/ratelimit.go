package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"rewardsledger/observability"
)

// RateLimit bounds the request rate of one caller.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per authenticated caller, falling back to
// the client IP for anonymous requests. Idle buckets are evicted lazily.
type RateLimiter struct {
	limit    RateLimit
	idle     time.Duration
	clock    clockwork.Clock
	mu       sync.Mutex
	visitors map[string]*visitor
	swept    time.Time
}

// NewRateLimiter returns a limiter. A non-positive rate disables limiting.
func NewRateLimiter(limit RateLimit, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		limit:    limit,
		idle:     5 * time.Minute,
		clock:    clock,
		visitors: make(map[string]*visitor),
		swept:    clock.Now(),
	}
}

// Middleware rejects requests beyond the caller's budget with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l == nil || l.limit.RequestsPerMinute <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		key, kind := callerKey(r)
		if !l.allow(key) {
			observability.API().RecordThrottle(kind)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AllowPrincipal spends one token from the caller's bucket. Transports
// other than HTTP use it after authentication.
func (l *RateLimiter) AllowPrincipal(p *Principal) bool {
	if l == nil || l.limit.RequestsPerMinute <= 0 || p == nil {
		return true
	}
	if !l.allow("caller:" + p.Address.Key()) {
		observability.API().RecordThrottle("caller")
		return false
	}
	return true
}

func (l *RateLimiter) allow(key string) bool {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.swept) >= l.idle {
		for id, v := range l.visitors {
			if now.Sub(v.lastSeen) >= l.idle {
				delete(l.visitors, id)
			}
		}
		l.swept = now
	}
	v, ok := l.visitors[key]
	if !ok {
		burst := l.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.limit.RequestsPerMinute/60.0), burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// tracked reports how many buckets are live.
func (l *RateLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func callerKey(r *http.Request) (string, string) {
	if p, ok := PrincipalFromContext(r.Context()); ok {
		return "caller:" + p.Address.Key(), "caller"
	}
	return "ip:" + clientIP(r), "ip"
}

func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
