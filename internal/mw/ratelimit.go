package mw

import (
	"net"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type window struct {
	count int
	start time.Time
	seen  time.Time
}

// SlidingWindow counts requests per key inside a trailing interval. A request
// past the window start resets the window; one inside it increments until the
// max, then rejects.
type SlidingWindow struct {
	mu   sync.Mutex
	m    map[string]*window
	max  int
	span time.Duration
	stop chan struct{}
}

func NewSlidingWindow(max int, span time.Duration) *SlidingWindow {
	return &SlidingWindow{m: make(map[string]*window), max: max, span: span, stop: make(chan struct{})}
}

// Allow records one request for the key and reports whether it is admitted.
func (sw *SlidingWindow) Allow(key string) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	now := time.Now()
	w, ok := sw.m[key]
	if !ok || now.Sub(w.start) >= sw.span {
		sw.m[key] = &window{count: 1, start: now, seen: now}
		return true
	}
	w.seen = now
	if w.count >= sw.max {
		return false
	}
	w.count++
	return true
}

func (sw *SlidingWindow) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sw.stop:
			return
		case <-ticker.C:
			now := time.Now()
			sw.mu.Lock()
			for k, w := range sw.m {
				if now.Sub(w.seen) > 2*sw.span {
					delete(sw.m, k)
				}
			}
			sw.mu.Unlock()
		}
	}
}

// Stop halts the GC goroutine for graceful shutdown.
func (sw *SlidingWindow) Stop() {
	select {
	case <-sw.stop:
	default:
		close(sw.stop)
	}
}

// RateLimit admits or rejects a request before it reaches business logic,
// keyed by (client IP, route pattern).
func RateLimit(max int, span time.Duration) gin.HandlerFunc {
	sw := NewSlidingWindow(max, span)
	go sw.gc()
	return func(c *gin.Context) {
		ip := clientIP(c.Request.RemoteAddr)
		key := ip + "|" + c.FullPath()
		if key == ip+"|" {
			key = ip + "|" + c.Request.URL.Path
		}
		if !sw.Allow(key) {
			c.AbortWithStatusJSON(429, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
