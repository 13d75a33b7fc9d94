package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// KeyFunc derives the limiter identifier from a request.
type KeyFunc func(r *http.Request) string

// ClientIP identifies a request by its socket peer address. Forwarded
// headers are ignored; use ClientIPFrom behind a proxy.
func ClientIP(r *http.Request) string {
	return remoteHost(r.RemoteAddr)
}

// ClientIPFrom honours X-Forwarded-For only when the socket peer is inside
// trusted. The chain is walked from the nearest hop outwards and the first
// address outside trusted is the client; an all-trusted chain yields its
// leftmost entry.
func ClientIPFrom(trusted []netip.Prefix) KeyFunc {
	if len(trusted) == 0 {
		return ClientIP
	}
	return func(r *http.Request) string {
		peer := remoteHost(r.RemoteAddr)
		addr, err := netip.ParseAddr(peer)
		if err != nil || !isTrusted(trusted, addr) {
			return peer
		}

		hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
		client := peer
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				break
			}
			client = hop.String()
			if !isTrusted(trusted, hop) {
				break
			}
		}
		return client
	}
}

func isTrusted(trusted []netip.Prefix, addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, network := range trusted {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

type limitedBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Middleware counts every request under rule and answers 429 once the
// window is exhausted. Rate limit headers are set on every response.
func Middleware(l *Limiter, rule Rule, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := l.Allow(r.Context(), key(r), rule)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			h.Set("X-RateLimit-Reset", res.ResetTime.Format(time.RFC3339))

			if !res.Allowed {
				retry := int64(time.Until(res.ResetTime).Seconds())
				h.Set("Retry-After", strconv.FormatInt(max(retry, 1), 10))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(limitedBody{
					Error: "too many requests, please try again later",
					Code:  "RATE_LIMIT_EXCEEDED",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
