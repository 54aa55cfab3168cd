// Package metrics exposes Prometheus counters for the dispatcher and its
// authentication caches. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dispatch"

// Metrics holds the collectors registered by New.
type Metrics struct {
	cacheLookups *prometheus.CounterVec
	cacheLoads   *prometheus.CounterVec
	sharedHits   *prometheus.CounterVec
	authFailures *prometheus.CounterVec
	requests     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. Collectors that
// are already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by cache name and result (hit or miss).",
		}, []string{"cache", "result"}),
		cacheLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_loads_total",
			Help:      "Upstream cache loads by cache name and outcome.",
		}, []string{"cache", "outcome"}),
		sharedHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_shared_hits_total",
			Help:      "Cache misses answered by the shared storage tier by cache name.",
		}, []string{"cache"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected authentications by provider.",
		}, []string{"provider"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Dispatched requests by route and status code.",
		}, []string{"route", "code"}),
	}

	if reg == nil {
		return m, nil
	}

	var err error
	m.cacheLookups, err = register(reg, m.cacheLookups)
	if err != nil {
		return nil, err
	}
	m.cacheLoads, err = register(reg, m.cacheLoads)
	if err != nil {
		return nil, err
	}
	m.sharedHits, err = register(reg, m.sharedHits)
	if err != nil {
		return nil, err
	}
	m.authFailures, err = register(reg, m.authFailures)
	if err != nil {
		return nil, err
	}
	m.requests, err = register(reg, m.requests)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}

// CacheLoad records the outcome of one upstream load.
func (m *Metrics) CacheLoad(cache string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.cacheLoads.WithLabelValues(cache, outcome).Inc()
}

// CacheSharedHit records a miss served from shared storage instead of the
// upstream loader.
func (m *Metrics) CacheSharedHit(cache string) {
	if m == nil {
		return
	}
	m.sharedHits.WithLabelValues(cache).Inc()
}

// AuthFailure records a rejected authentication.
func (m *Metrics) AuthFailure(provider string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(provider).Inc()
}

// Request records a completed request.
func (m *Metrics) Request(route string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
