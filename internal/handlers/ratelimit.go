package handlers

import (
	"net"
	"net/http"
	"strings"

	"github.com/roomcast/backend/internal/auth"
)

// RateLimiter is the minimal interface required to guard mutating endpoints.
type RateLimiter interface {
	Allow(key string) bool
}

func allowRequest(limiter RateLimiter, r *http.Request, scope string) bool {
	if limiter == nil {
		return true
	}
	return limiter.Allow(rateLimitKey(r, scope))
}

// rateLimitKey buckets authenticated callers by user id and everyone else by
// client address.
func rateLimitKey(r *http.Request, scope string) string {
	key := "ip:" + clientIP(r)
	if identity, ok := auth.FromContext(r.Context()); ok && identity.UserID != "" {
		key = "user:" + identity.UserID
	}
	if scope == "" {
		return key
	}
	return scope + ":" + key
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	return addr
}
