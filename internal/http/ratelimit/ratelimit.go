// Package ratelimit provides per-client-IP request limiting for the auth and
// API route groups. Client identity honors X-Forwarded-For only when the
// direct peer is a configured trusted proxy.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxClients caps the limiter table so a spoofed-source flood cannot grow it
// without bound. The least recently seen client is evicted past the cap.
const maxClients = 10000

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter hands each client IP its own token bucket.
type IPRateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client

	rate    rate.Limit
	burst   int
	proxies []*net.IPNet
}

// NewIPRateLimiter builds a limiter allowing r requests per second with the
// given burst per IP. Entries idle for two sweep intervals are dropped by a
// background sweep. trustedProxies lists CIDRs or bare IPs of reverse proxies
// whose X-Forwarded-For is believed.
func NewIPRateLimiter(r rate.Limit, burst int, sweep time.Duration, trustedProxies []string) *IPRateLimiter {
	l := &IPRateLimiter{
		clients: make(map[string]*client),
		rate:    r,
		burst:   burst,
		proxies: parseProxies(trustedProxies),
	}
	go l.sweep(sweep)
	return l
}

func parseProxies(entries []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range entries {
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, ipnet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Middleware answers 429 once a client exhausts its bucket.
func (l *IPRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(l.ClientIP(r)) {
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Allow consumes one token from ip's bucket.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	c, ok := l.clients[ip]
	if !ok {
		if len(l.clients) >= maxClients {
			l.evictOldestLocked()
		}
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = time.Now()
	limiter := c.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// ClientIP resolves the address requests from r's peer should be bucketed
// under. Forwarding headers are only honored when the peer is a trusted
// proxy; otherwise an attacker could rotate buckets by forging the header.
func (l *IPRateLimiter) ClientIP(r *http.Request) string {
	peer := parseAddr(r.RemoteAddr)
	if peer == nil {
		return r.RemoteAddr
	}
	if !l.trusted(peer) {
		return peer.String()
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Leftmost entry is the originating client.
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String()
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		if ip := net.ParseIP(xri); ip != nil {
			return ip.String()
		}
	}
	return peer.String()
}

func (l *IPRateLimiter) trusted(ip net.IP) bool {
	for _, ipnet := range l.proxies {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

func (l *IPRateLimiter) evictOldestLocked() {
	var oldestIP string
	var oldest time.Time
	for ip, c := range l.clients {
		if oldestIP == "" || c.lastSeen.Before(oldest) {
			oldestIP = ip
			oldest = c.lastSeen
		}
	}
	delete(l.clients, oldestIP)
}

func (l *IPRateLimiter) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-2 * interval)
		l.mu.Lock()
		for ip, c := range l.clients {
			if c.lastSeen.Before(cutoff) {
				delete(l.clients, ip)
			}
		}
		l.mu.Unlock()
	}
}

func parseAddr(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
