package middleware

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// RequestTracker counts in-flight requests and records when shutdown began.
type RequestTracker struct {
	active       atomic.Int64
	mu           sync.RWMutex
	shuttingDown bool
	shutdownAt   time.Time
}

// NewRequestTracker creates a new request tracker middleware
func NewRequestTracker() *RequestTracker {
	return &RequestTracker{}
}

// Middleware returns the HTTP middleware function
func (rt *RequestTracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt.active.Add(1)
		defer rt.active.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// Active returns the number of requests being served.
func (rt *RequestTracker) Active() int64 {
	return rt.active.Load()
}

// BeginShutdown marks the server as draining.
func (rt *RequestTracker) BeginShutdown() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.shuttingDown {
		rt.shuttingDown = true
		rt.shutdownAt = time.Now()
	}
}

// ShutdownState reports whether shutdown began and when.
func (rt *RequestTracker) ShutdownState() (bool, time.Time) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.shuttingDown, rt.shutdownAt
}
