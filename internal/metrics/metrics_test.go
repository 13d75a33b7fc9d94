package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCacheIncrementsCounter(t *testing.T) {
	before := testutil.ToFloat64(CacheOperations.WithLabelValues("get", ResultHit))
	ObserveCache("get", ResultHit, 2*time.Millisecond)
	after := testutil.ToFloat64(CacheOperations.WithLabelValues("get", ResultHit))

	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v -> %v", before, after)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveCache("set", ResultOK, time.Millisecond)
	RateLimitDecisions.WithLabelValues(DecisionAllowed).Inc()
	SessionEvents.WithLabelValues("created").Inc()
	StoreUp.Set(1)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, name := range []string{
		"kvcore_cache_operations_total",
		"kvcore_cache_operation_duration_seconds",
		"kvcore_ratelimit_decisions_total",
		"kvcore_session_events_total",
		"kvcore_store_up 1",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("expected %q in metrics output", name)
		}
	}
}
