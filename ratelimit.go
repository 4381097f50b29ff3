package warden

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles session admission per client IP with a token
// bucket per client. Stale buckets are swept periodically.
type RateLimiter struct {
	// Rate is sessions permitted per second per client.
	Rate float64

	// Burst is the bucket size.
	Burst int

	mu      sync.Mutex
	clients map[string]*clientLimiter
	done    chan struct{}
	once    sync.Once
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a per-client limiter. r is sessions/second,
// burst the maximum accumulated allowance.
func NewRateLimiter(r float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		Rate:    r,
		Burst:   burst,
		clients: make(map[string]*clientLimiter),
		done:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow reports whether a new session from the given address is
// admitted.
func (rl *RateLimiter) Allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	rl.mu.Lock()
	cl, ok := rl.clients[host]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rl.Rate), rl.Burst)}
		rl.clients[host] = cl
	}
	cl.lastSeen = time.Now()
	rl.mu.Unlock()

	return cl.limiter.Allow()
}

// Close stops the sweep goroutine.
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.done) })
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-3 * time.Minute)
			rl.mu.Lock()
			for host, cl := range rl.clients {
				if cl.lastSeen.Before(cutoff) {
					delete(rl.clients, host)
				}
			}
			rl.mu.Unlock()
		}
	}
}
