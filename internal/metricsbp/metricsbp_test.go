package metricsbp_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exp-platform/core/internal/metricsbp"
)

func TestRuntimeGaugeIsCreatedOnceAndReusedByName(t *testing.T) {
	m := metricsbp.New()
	defer m.Stop()

	g1 := m.RuntimeGauge("metricsbp_test_gauge_a")
	g2 := m.RuntimeGauge("metricsbp_test_gauge_a")
	assert.Same(t, g1, g2, "the same name must return the same collector rather than registering twice")
}

func TestCounterNameIsSanitizedForPrometheus(t *testing.T) {
	m := metricsbp.New()
	defer m.Stop()

	// a dash and a colon aren't valid in a prometheus metric name; sanitize
	// must not panic creating the collector.
	c := m.Counter("assignment_cache-circuit-breaker:closed")
	require.NotNil(t, c)
}

func TestHistogramIsCreatedOnceAndReusedByName(t *testing.T) {
	m := metricsbp.New()
	defer m.Stop()

	h1 := m.Histogram("metricsbp_test_hist_a")
	h2 := m.Histogram("metricsbp_test_hist_a")
	assert.Same(t, h1, h2)
}

func TestStopCancelsCtx(t *testing.T) {
	m := metricsbp.New()
	select {
	case <-m.Ctx().Done():
		t.Fatal("ctx should not be canceled before Stop")
	default:
	}
	m.Stop()
	select {
	case <-m.Ctx().Done():
	default:
		t.Fatal("ctx should be canceled after Stop")
	}
}
