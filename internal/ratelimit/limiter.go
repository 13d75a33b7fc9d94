// Package ratelimit provides fixed-window request counting on the shared
// store. Each window is its own counter key (identifier + ":" + bucket), so
// old windows are never read again and simply expire.
//
// Fixed windows allow up to 2x the limit across a window boundary: the tail
// of one window and the head of the next are counted separately.
package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopstate/kvcore/internal/cache"
	"github.com/shopstate/kvcore/internal/metrics"
	"github.com/shopstate/kvcore/internal/store"
)

// Prefix is the key namespace for window counters.
const Prefix = "rate-limit:"

// Rule is a named limiting policy: at most Limit requests per Window.
type Rule struct {
	Name   string        // key segment, e.g. "login"
	Limit  int64         // max count in the window
	Window time.Duration // window length, whole seconds
}

// Standard rules.
var (
	// RuleAPI allows 100 requests per 15 minutes per client.
	RuleAPI = Rule{Name: "api", Limit: 100, Window: 15 * time.Minute}

	// RuleLogin allows 5 login attempts per 15 minutes per client.
	RuleLogin = Rule{Name: "login", Limit: 5, Window: 15 * time.Minute}

	// RuleRegister allows 3 registrations per hour per client.
	RuleRegister = Rule{Name: "register", Limit: 3, Window: time.Hour}
)

// Result describes one limiter decision.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Current   int64     `json:"current"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetTime time.Time `json:"resetTime"`
}

// Limiter performs rate limiting checks against the store.
type Limiter struct {
	cache *cache.Cache
	now   func() time.Time
	log   *slog.Logger
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now for bucket selection.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a Limiter backed by client.
func NewLimiter(client *store.Client, opts ...Option) *Limiter {
	l := &Limiter{
		cache: cache.New(client, Prefix),
		now:   time.Now,
		log:   client.Logger().With("manager", "ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func windowSeconds(window time.Duration) int64 {
	secs := int64(window / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// bucketKey returns the counter key and the start of the next window.
func (l *Limiter) bucketKey(identifier string, window time.Duration) (string, time.Time) {
	secs := windowSeconds(window)
	bucket := l.now().Unix() / secs
	return identifier + ":" + strconv.FormatInt(bucket, 10), time.Unix((bucket+1)*secs, 0).UTC()
}

// CheckLimit counts one request for identifier in the current window and
// reports whether it is within limit. When the store fails the limiter fails
// open: the request is allowed with Current=0 and Remaining=limit.
func (l *Limiter) CheckLimit(ctx context.Context, identifier string, limit int64, window time.Duration) Result {
	key, reset := l.bucketKey(identifier, window)
	ttl := time.Duration(windowSeconds(window)) * time.Second

	current, ok := l.cache.Incr(ctx, key, ttl)
	if !ok {
		l.log.Warn("rate limit check failed, failing open", "identifier", identifier)
		metrics.RateLimitDecisions.WithLabelValues(metrics.DecisionFailOpen).Inc()
		return Result{
			Allowed:   true,
			Current:   0,
			Limit:     limit,
			Remaining: limit,
			ResetTime: l.now().Add(ttl).UTC(),
		}
	}

	res := Result{
		Allowed:   current <= limit,
		Current:   current,
		Limit:     limit,
		Remaining: max(0, limit-current),
		ResetTime: reset,
	}
	if res.Allowed {
		metrics.RateLimitDecisions.WithLabelValues(metrics.DecisionAllowed).Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues(metrics.DecisionLimited).Inc()
		l.log.Info("rate limit exceeded", "identifier", identifier, "current", current, "limit", limit)
	}
	return res
}

// Allow applies rule to identifier.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) Result {
	return l.CheckLimit(ctx, rule.Name+":"+identifier, rule.Limit, rule.Window)
}

// Peek reports the state of identifier's current window under rule without
// counting a request. Allowed tells whether one more request would pass. A
// missing window or an unreachable store reads as zero.
func (l *Limiter) Peek(ctx context.Context, identifier string, rule Rule) Result {
	key, reset := l.bucketKey(rule.Name+":"+identifier, rule.Window)

	var current int64
	if v, ok := l.cache.Get(ctx, key); ok {
		n, err := strconv.ParseInt(v.String(), 10, 64)
		if err != nil {
			l.log.Warn("rate limit counter is not numeric", "key", key, "error", err)
		} else {
			current = n
		}
	}
	return Result{
		Allowed:   current < rule.Limit,
		Current:   current,
		Limit:     rule.Limit,
		Remaining: max(0, rule.Limit-current),
		ResetTime: reset,
	}
}
