package prometheusbpint

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// HighWatermarkValue is an int64 gauge that also remembers the highest value
// it has held. A plain gauge sampled every scrape interval can miss a burst
// entirely; the watermark keeps the peak visible until the next scrape.
type HighWatermarkValue struct {
	mu   sync.Mutex
	curr int64
	max  int64
}

// Inc increases the current value by 1, raising the watermark if needed.
func (v *HighWatermarkValue) Inc() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.curr++
	if v.curr > v.max {
		v.max = v.curr
	}
}

// Dec decreases the current value by 1. The watermark is unaffected.
func (v *HighWatermarkValue) Dec() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.curr--
}

// Get returns the current value.
func (v *HighWatermarkValue) Get() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.curr
}

// Max returns the high watermark.
func (v *HighWatermarkValue) Max() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.max
}

func (v *HighWatermarkValue) snapshot() (curr, max int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.curr, v.max
}

// HighWatermarkGauge exposes a HighWatermarkValue as a prometheus.Collector
// reporting two const gauges, one for the current value and one for the
// peak.
type HighWatermarkGauge struct {
	*HighWatermarkValue

	currDesc *prometheus.Desc
	maxDesc  *prometheus.Desc
}

// NewHighWatermarkGauge builds a collector reporting curr/max under the
// given metric names.
func NewHighWatermarkGauge(v *HighWatermarkValue, currName, maxName, help string) HighWatermarkGauge {
	return HighWatermarkGauge{
		HighWatermarkValue: v,

		currDesc: prometheus.NewDesc(currName, help, nil, nil),
		maxDesc:  prometheus.NewDesc(maxName, help+" (high watermark)", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (g HighWatermarkGauge) Describe(ch chan<- *prometheus.Desc) {
	ch <- g.currDesc
	ch <- g.maxDesc
}

// Collect implements prometheus.Collector.
func (g HighWatermarkGauge) Collect(ch chan<- prometheus.Metric) {
	curr, max := g.HighWatermarkValue.snapshot()
	ch <- prometheus.MustNewConstMetric(g.currDesc, prometheus.GaugeValue, float64(curr))
	ch <- prometheus.MustNewConstMetric(g.maxDesc, prometheus.GaugeValue, float64(max))
}

var _ prometheus.Collector = HighWatermarkGauge{}
