package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// AdminRateLimiter caps admin requests per client IP per minute, in Redis when available
// so several gateway replicas share one budget.
type AdminRateLimiter struct {
	rpm        int
	redis      *redis.Client
	now        func() time.Time
	inMemMu    sync.Mutex
	inMemCount map[string]int
	window     int64
}

func NewAdminRateLimiter(rpm int, redisClient *redis.Client) *AdminRateLimiter {
	return &AdminRateLimiter{rpm: rpm, redis: redisClient, now: time.Now, inMemCount: map[string]int{}}
}

// key for the current minute window
func (r *AdminRateLimiter) minuteKey(ip string) string {
	return fmt.Sprintf("ratelimit:admin:%s:%d", ip, r.now().Unix()/60)
}

// Allow returns whether the request is allowed and the remaining quota (best-effort)
func (r *AdminRateLimiter) Allow(ctx context.Context, ip string) (bool, int) {
	if r.rpm <= 0 {
		return true, 0
	}
	if r.redis != nil {
		ctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		defer cancel()
		key := r.minuteKey(ip)
		n, err := r.redis.Incr(ctx, key).Result()
		if err == nil {
			if n == 1 {
				_ = r.redis.Expire(ctx, key, 65*time.Second).Err()
			}
			return int(n) <= r.rpm, r.rpm - int(n)
		}
		// fall through to the in-process window on Redis errors
	}
	return r.allowInMem(ip)
}

func (r *AdminRateLimiter) allowInMem(ip string) (bool, int) {
	r.inMemMu.Lock()
	defer r.inMemMu.Unlock()
	if w := r.now().Unix() / 60; w != r.window {
		r.inMemCount = map[string]int{}
		r.window = w
	}
	r.inMemCount[ip]++
	n := r.inMemCount[ip]
	return n <= r.rpm, r.rpm - n
}

// Middleware rejects requests over the limit with 429
func (r *AdminRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ok, remaining := r.Allow(req.Context(), GetClientIP(req))
		if r.rpm > 0 {
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(remaining, 0)))
		}
		if !ok {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// GetClientIP extracts client IP from headers or RemoteAddr
func GetClientIP(r *http.Request) string {
	// Try common proxy headers
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Use the first IP in the list
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if rip := r.Header.Get("X-Real-IP"); rip != "" {
		return strings.TrimSpace(rip)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
