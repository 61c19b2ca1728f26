package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorIdleTTL = 3 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitors is a per-client-IP token bucket table pruned on access.
type visitors struct {
	rps   rate.Limit
	burst int

	mu        sync.Mutex
	items     map[string]*visitor
	lastPrune time.Time
}

func (v *visitors) allow(ip string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if now.Sub(v.lastPrune) > time.Minute {
		for key, item := range v.items {
			if now.Sub(item.lastSeen) > visitorIdleTTL {
				delete(v.items, key)
			}
		}
		v.lastPrune = now
	}

	item, ok := v.items[ip]
	if !ok {
		item = &visitor{limiter: rate.NewLimiter(v.rps, v.burst)}
		v.items[ip] = item
	}
	item.lastSeen = now
	return item.limiter.AllowN(now, 1)
}

// RateLimit throttles API callers per client IP. It is unrelated to the per-tenant
// delivery limit applied by the executor.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	table := &visitors{rps: rate.Limit(rps), burst: burst, items: make(map[string]*visitor)}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !table.allow(extractIP(r.RemoteAddr), time.Now()) {
				w.Header().Set("Retry-After", "1")
				writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
