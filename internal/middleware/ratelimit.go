// internal/middleware/ratelimit.go
package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter хранит лимитер одного IP
type ClientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter ограничивает частоту запросов с одного IP.
type IPRateLimiter struct {
	rps     rate.Limit
	burst   int
	idleTTL time.Duration

	mu      sync.Mutex
	clients map[string]*ClientLimiter
	now     func() time.Time
}

func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	return &IPRateLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		idleTTL: 15 * time.Minute,
		clients: make(map[string]*ClientLimiter),
		now:     time.Now,
	}
}

func (l *IPRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	clientData, found := l.clients[ip]
	if !found {
		clientData = &ClientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[ip] = clientData
	}
	clientData.lastSeen = l.now()
	limiterInstance := clientData.limiter
	l.mu.Unlock()
	return limiterInstance.Allow()
}

// Cleanup удаляет лимитеры IP, не появлявшихся дольше idleTTL.
func (l *IPRateLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for ip, client := range l.clients {
		if l.now().Sub(client.lastSeen) > l.idleTTL {
			delete(l.clients, ip)
			removed++
		}
	}
	return removed
}

// Run периодически чистит неактивные IP до отмены ctx.
func (l *IPRateLimiter) Run(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := l.Cleanup(); n > 0 {
				slog.Debug("Удалены лимитеры неактивных IP", "count", n)
			}
		}
	}
}

// Middleware отвечает 429, если IP превысил лимит.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := ClientIP(r)
		if !l.allow(clientIP) {
			slog.Warn("Превышен лимит запросов (Rate Limit)", "ip", clientIP, "path", r.URL.Path)
			http.Error(w, "Слишком много запросов. Пожалуйста, попробуйте позже.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP берет адрес клиента из X-Forwarded-For, X-Real-IP или RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
