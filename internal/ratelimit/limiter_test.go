package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/shopstate/kvcore/internal/metrics"
	"github.com/shopstate/kvcore/internal/store/storetest"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// windowStart is aligned to every window length used below.
var windowStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCheckLimitCountsWithinWindow(t *testing.T) {
	client, _ := storetest.New(t)
	clk := &clock{t: windowStart.Add(10 * time.Second)}
	l := NewLimiter(client, WithClock(clk.now))
	ctx := context.Background()

	wantAllowed := []bool{true, true, true, false}
	wantRemaining := []int64{2, 1, 0, 0}
	for i := range wantAllowed {
		res := l.CheckLimit(ctx, "ip:1.2.3.4", 3, time.Minute)
		require.Equal(t, wantAllowed[i], res.Allowed, "call %d", i+1)
		require.Equal(t, wantRemaining[i], res.Remaining, "call %d", i+1)
		require.Equal(t, int64(i+1), res.Current)
		require.Equal(t, int64(3), res.Limit)
		require.True(t, res.ResetTime.Equal(windowStart.Add(time.Minute)))
	}
}

func TestCheckLimitKeyExpiresWithWindow(t *testing.T) {
	client, server := storetest.New(t)
	clk := &clock{t: windowStart}
	l := NewLimiter(client, WithClock(clk.now))
	ctx := context.Background()

	l.CheckLimit(ctx, "u1", 10, time.Minute)
	keys := server.Keys()
	require.Len(t, keys, 1)
	require.Equal(t, time.Minute, server.TTL(keys[0]))

	// Further hits in the same window do not extend the counter's life.
	server.FastForward(30 * time.Second)
	l.CheckLimit(ctx, "u1", 10, time.Minute)
	require.Equal(t, 30*time.Second, server.TTL(keys[0]))
}

func TestNextWindowStartsFresh(t *testing.T) {
	client, _ := storetest.New(t)
	clk := &clock{t: windowStart}
	l := NewLimiter(client, WithClock(clk.now))
	ctx := context.Background()

	for range 3 {
		l.CheckLimit(ctx, "u1", 3, time.Minute)
	}
	require.False(t, l.CheckLimit(ctx, "u1", 3, time.Minute).Allowed)

	clk.advance(time.Minute)
	res := l.CheckLimit(ctx, "u1", 3, time.Minute)
	require.True(t, res.Allowed)
	require.Equal(t, int64(1), res.Current)
	require.True(t, res.ResetTime.Equal(windowStart.Add(2*time.Minute)))
}

func TestIdentifiersAreIndependent(t *testing.T) {
	client, _ := storetest.New(t)
	l := NewLimiter(client)
	ctx := context.Background()

	require.True(t, l.CheckLimit(ctx, "a", 1, time.Hour).Allowed)
	require.False(t, l.CheckLimit(ctx, "a", 1, time.Hour).Allowed)
	require.True(t, l.CheckLimit(ctx, "b", 1, time.Hour).Allowed)
}

func TestCheckLimitFailsOpen(t *testing.T) {
	client, server := storetest.New(t)
	clk := &clock{t: windowStart.Add(5 * time.Second)}
	l := NewLimiter(client, WithClock(clk.now))
	server.Close()

	before := testutil.ToFloat64(metrics.RateLimitDecisions.WithLabelValues(metrics.DecisionFailOpen))
	res := l.CheckLimit(context.Background(), "u1", 3, time.Minute)
	require.True(t, res.Allowed)
	require.Equal(t, int64(0), res.Current)
	require.Equal(t, int64(3), res.Remaining)
	require.True(t, res.ResetTime.Equal(clk.t.Add(time.Minute)))
	require.Equal(t, before+1, testutil.ToFloat64(metrics.RateLimitDecisions.WithLabelValues(metrics.DecisionFailOpen)))
}

func TestAllowUsesRuleNamespace(t *testing.T) {
	client, server := storetest.New(t)
	clk := &clock{t: windowStart}
	l := NewLimiter(client, WithClock(clk.now))
	ctx := context.Background()

	for range RuleLogin.Limit {
		require.True(t, l.Allow(ctx, "1.2.3.4", RuleLogin).Allowed)
	}
	require.False(t, l.Allow(ctx, "1.2.3.4", RuleLogin).Allowed)
	require.True(t, l.Allow(ctx, "1.2.3.4", RuleAPI).Allowed, "rules count separately")

	bucket := windowStart.Unix() / int64(RuleLogin.Window/time.Second)
	require.True(t, server.Exists(Prefix+"login:1.2.3.4:"+strconv.FormatInt(bucket, 10)))
}

func TestPeekDoesNotCount(t *testing.T) {
	client, _ := storetest.New(t)
	clk := &clock{t: windowStart}
	l := NewLimiter(client, WithClock(clk.now))
	ctx := context.Background()

	res := l.Peek(ctx, "u1", RuleRegister)
	require.True(t, res.Allowed)
	require.Equal(t, int64(0), res.Current)
	require.Equal(t, RuleRegister.Limit, res.Remaining)

	l.Allow(ctx, "u1", RuleRegister)
	l.Allow(ctx, "u1", RuleRegister)
	for range 3 {
		res = l.Peek(ctx, "u1", RuleRegister)
	}
	require.Equal(t, int64(2), res.Current)
	require.Equal(t, int64(1), res.Remaining)
	require.True(t, res.Allowed)

	l.Allow(ctx, "u1", RuleRegister)
	require.False(t, l.Peek(ctx, "u1", RuleRegister).Allowed)
}

func TestMiddleware(t *testing.T) {
	client, _ := storetest.New(t)
	clk := &clock{t: windowStart}
	l := NewLimiter(client, WithClock(clk.now))
	rule := Rule{Name: "test", Limit: 2, Window: time.Minute}

	h := Middleware(l, rule, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.7:51234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := call()
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, windowStart.Add(time.Minute).Format(time.RFC3339), rec.Header().Get("X-RateLimit-Reset"))

	require.Equal(t, http.StatusNoContent, call().Code)

	rec = call()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.JSONEq(t, `{"error":"too many requests, please try again later","code":"RATE_LIMIT_EXCEEDED"}`, rec.Body.String())
}

func TestClientIPIgnoresForwardedHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	require.Equal(t, "10.0.0.7", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "10.0.0.7", ClientIP(req))
	require.Equal(t, "10.0.0.7", ClientIPFrom(nil)(req))
}

func TestClientIPFromTrustedProxies(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	key := ClientIPFrom(trusted)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	require.Equal(t, "10.0.0.7", key(req), "no header")

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", key(req))

	req.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", key(req), "hops left of the first untrusted one are client-controlled")

	req.Header.Set("X-Forwarded-For", "not-an-ip")
	require.Equal(t, "10.0.0.7", key(req))

	untrusted := httptest.NewRequest(http.MethodGet, "/", nil)
	untrusted.RemoteAddr = "198.51.100.50:4000"
	untrusted.Header.Set("X-Forwarded-For", "203.0.113.9")
	require.Equal(t, "198.51.100.50", key(untrusted))
}

func TestMiddlewareCannotBeDodgedWithForwardedFor(t *testing.T) {
	client, _ := storetest.New(t)
	l := NewLimiter(client, WithClock((&clock{t: windowStart}).now))
	h := Middleware(l, Rule{Name: "test", Limit: 2, Window: time.Minute}, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	var codes []int
	for i := range 5 {
		req := httptest.NewRequest(http.MethodDelete, "/", nil)
		req.RemoteAddr = "198.51.100.50:4000"
		req.Header.Set("X-Forwarded-For", "10.0.0."+strconv.Itoa(i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{204, 204, 429, 429, 429}, codes)
}
