package api

import (
	"net/http"
	"sync"
	"time"
)

// visitLimiter caps per-client request rates over a sliding window. Quote
// polling is the hot path, so the default limit is generous; the middleware
// exists to keep one runaway client from starving the book mutexes.
type visitLimiter struct {
	mu     sync.Mutex
	seen   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
	done   chan struct{}
}

func newVisitLimiter(limit int, window time.Duration) *visitLimiter {
	vl := &visitLimiter{
		seen:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go vl.sweep()
	return vl
}

// allow records one request for the client and reports whether it still fits
// the window.
func (vl *visitLimiter) allow(client string) bool {
	vl.mu.Lock()
	defer vl.mu.Unlock()

	now := vl.now()
	recent := pruneStamps(vl.seen[client], now.Add(-vl.window))
	if len(recent) >= vl.limit {
		vl.seen[client] = recent
		return false
	}
	vl.seen[client] = append(recent, now)
	return true
}

// pruneStamps drops timestamps at or before the cutoff, reusing the backing
// array.
func pruneStamps(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// sweep evicts clients that went quiet so the map does not grow without
// bound.
func (vl *visitLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			vl.mu.Lock()
			cutoff := vl.now().Add(-vl.window)
			for client, stamps := range vl.seen {
				kept := pruneStamps(stamps, cutoff)
				if len(kept) == 0 {
					delete(vl.seen, client)
				} else {
					vl.seen[client] = kept
				}
			}
			vl.mu.Unlock()
		case <-vl.done:
			return
		}
	}
}

func (vl *visitLimiter) stop() {
	close(vl.done)
}

// middleware rejects over-limit clients with 429 before the request reaches
// a handler.
func (vl *visitLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !vl.allow(clientKey(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey prefers proxy headers over RemoteAddr so deployments behind a
// load balancer throttle the real client, not the balancer.
func clientKey(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
