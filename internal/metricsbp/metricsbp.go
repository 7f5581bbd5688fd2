// Package metricsbp provides a small Prometheus-backed metrics surface:
// ad hoc runtime gauges, counters, histograms, and a shared context that
// background goroutines reporting those gauges should respect.
package metricsbp

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SysStatsTickerInterval is the interval at which long-running background
// loops (circuit breaker state, pool stats) should sample and report gauges.
var SysStatsTickerInterval = 10 * time.Second

// Metrics is a tiny registry facade that lazily creates and caches
// Prometheus collectors by name, so callers can do metricsbp.M.Counter("x")
// repeatedly without worrying about double registration.
type Metrics struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	gauges     map[string]prometheus.Gauge
	counters   map[string]prometheus.Counter
	histograms map[string]prometheus.Histogram
}

// M is the process-wide metrics facade.
// It is the one deliberately long-lived singleton in this repo,
// created at process start (see cmd/expserver) and passed down from there;
// nothing else should construct a second Metrics value.
var M = New()

// New creates a Metrics facade with a background context that callers can
// cancel (via Stop) to signal long-running reporter goroutines to exit.
func New() *Metrics {
	ctx, cancel := context.WithCancel(context.Background())
	return &Metrics{
		ctx:      ctx,
		cancel:   cancel,
		gauges:     make(map[string]prometheus.Gauge),
		counters:   make(map[string]prometheus.Counter),
		histograms: make(map[string]prometheus.Histogram),
	}
}

// Ctx returns the context that background reporter loops started via this
// Metrics value should select on to know when to stop.
func (m *Metrics) Ctx() context.Context {
	return m.ctx
}

// Stop cancels Ctx, signalling all reporter loops to exit.
func (m *Metrics) Stop() {
	m.cancel()
}

// RuntimeGauge returns (creating if necessary) a gauge for an ad hoc runtime
// metric, e.g. "assignment_cache-circuit-breaker-closed".
func (m *Metrics) RuntimeGauge(name string) prometheus.Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g
	}
	g := promauto.NewGauge(prometheus.GaugeOpts{
		Name: sanitize(name),
		Help: "Runtime gauge " + name,
	})
	m.gauges[name] = g
	return g
}

// Counter returns (creating if necessary) a counter for an ad hoc metric.
func (m *Metrics) Counter(name string) prometheus.Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c := promauto.NewCounter(prometheus.CounterOpts{
		Name: sanitize(name),
		Help: "Counter " + name,
	})
	m.counters[name] = c
	return c
}

// Histogram returns (creating if necessary) a histogram for an ad hoc
// latency or size metric, e.g. a connection pool's wait-duration.
func (m *Metrics) Histogram(name string) prometheus.Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h := promauto.NewHistogram(prometheus.HistogramOpts{
		Name: sanitize(name),
		Help: "Histogram " + name,
	})
	m.histograms[name] = h
	return h
}

func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
