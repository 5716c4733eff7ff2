package pcdapi

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the peer address. The
// service is expected to run behind a proxy that sets these headers.
func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type bucket struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

// ipRateLimiter is a token bucket per client address. When maxTracked addresses are known the
// least recently seen one is forgotten.
type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTracked      int
	buckets         map[string]bucket
}

func newIPRateLimiter(refillPerSecond, burst float64, maxTracked int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTracked:      maxTracked,
		buckets:         make(map[string]bucket),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		if len(l.buckets) >= l.maxTracked {
			l.evictOne()
		}
		l.buckets[ip] = bucket{tokens: l.burst - 1, lastAt: now, lastSeen: now}
		return true
	}

	if elapsed := now.Sub(b.lastAt).Seconds(); elapsed > 0 {
		b.tokens = min(b.tokens+elapsed*l.refillPerSecond, l.burst)
	}
	b.lastAt = now
	b.lastSeen = now

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	l.buckets[ip] = b
	return allowed
}

func (l *ipRateLimiter) evictOne() {
	var (
		oldestIP string
		oldestAt time.Time
	)
	for ip, b := range l.buckets {
		if oldestIP == "" || b.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = b.lastSeen
		}
	}
	if oldestIP != "" {
		delete(l.buckets, oldestIP)
	}
}
