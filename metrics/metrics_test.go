package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	m.CacheLookup("groups", true)
	m.CacheLookup("groups", false)
	m.CacheLookup("groups", false)
	m.CacheLoad("groups", nil)
	m.CacheLoad("groups", errors.New("boom"))
	m.CacheSharedHit("groups")
	m.AuthFailure("bearer:default")
	m.Request("GET /item/{id}", 204)

	if got := testutil.ToFloat64(m.cacheLookups.WithLabelValues("groups", "miss")); got != 2 {
		t.Fatalf("miss count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.cacheLoads.WithLabelValues("groups", "error")); got != 1 {
		t.Fatalf("error loads = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sharedHits.WithLabelValues("groups")); got != 1 {
		t.Fatalf("shared hits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.cacheLoads.WithLabelValues("groups", "success")); got != 1 {
		t.Fatalf("shared hits must not count as loads: %v", got)
	}
	if got := testutil.ToFloat64(m.requests.WithLabelValues("GET /item/{id}", "204")); got != 1 {
		t.Fatalf("requests = %v, want 1", got)
	}
}

func TestNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := New(reg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	a.AuthFailure("basic:default")
	if got := testutil.ToFloat64(b.authFailures.WithLabelValues("basic:default")); got != 1 {
		t.Fatalf("collectors not shared: %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.CacheLookup("x", true)
	m.CacheLoad("x", nil)
	m.CacheSharedHit("x")
	m.AuthFailure("x")
	m.Request("x", 200)
}
