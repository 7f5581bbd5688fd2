package metrics_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"

	"github.com/exp-platform/core/internal/metrics"
)

func TestVariantCountsRate(t *testing.T) {
	assert.Equal(t, 0.0, metrics.VariantCounts{}.Rate())
	assert.InDelta(t, 0.25, metrics.VariantCounts{UniqueUsers: 400, Conversions: 100}.Rate(), 1e-9)
}

func TestWilsonIntervalBracketsThePointEstimate(t *testing.T) {
	c := metrics.VariantCounts{UniqueUsers: 1000, Conversions: 250}
	interval := metrics.Wilson(c, 0.95)
	rate := c.Rate()
	assert.LessOrEqual(t, interval.Lower, rate)
	assert.GreaterOrEqual(t, interval.Upper, rate)
	assert.GreaterOrEqual(t, interval.Lower, 0.0)
	assert.LessOrEqual(t, interval.Upper, 1.0)
}

func TestWilsonIntervalZeroExposureIsZeroValue(t *testing.T) {
	interval := metrics.Wilson(metrics.VariantCounts{}, 0.95)
	assert.Equal(t, metrics.WilsonInterval{}, interval)
}

func TestWilsonIntervalNarrowsWithMoreExposure(t *testing.T) {
	small := metrics.Wilson(metrics.VariantCounts{UniqueUsers: 100, Conversions: 25}, 0.95)
	large := metrics.Wilson(metrics.VariantCounts{UniqueUsers: 100000, Conversions: 25000}, 0.95)
	assert.Greater(t, small.Upper-small.Lower, large.Upper-large.Lower)
}

func TestWilsonIntervalWidensWithHigherConfidence(t *testing.T) {
	c := metrics.VariantCounts{UniqueUsers: 1000, Conversions: 250}
	ninety := metrics.Wilson(c, 0.90)
	ninetyNine := metrics.Wilson(c, 0.99)
	assert.Greater(t, ninetyNine.Upper-ninetyNine.Lower, ninety.Upper-ninety.Lower)
}

func TestWilsonIntervalOutOfRangeConfidenceFallsBackToDefault(t *testing.T) {
	c := metrics.VariantCounts{UniqueUsers: 1000, Conversions: 250}
	assert.Equal(t, metrics.Wilson(c, 0.95), metrics.Wilson(c, 0))
	assert.Equal(t, metrics.Wilson(c, 0.95), metrics.Wilson(c, 1.5))
}

func TestCompareCarriesWilsonIntervalsAtTheRequestedConfidence(t *testing.T) {
	control := metrics.VariantCounts{UniqueUsers: 10000, Conversions: 500}
	treatment := metrics.VariantCounts{UniqueUsers: 10000, Conversions: 800}
	cmp := metrics.Compare(control, treatment, 0, 0.99)
	assert.Equal(t, metrics.Wilson(control, 0.99), cmp.ControlCI)
	assert.Equal(t, metrics.Wilson(treatment, 0.99), cmp.TreatmentCI)
}

func TestCompareBelowMinSampleOmitsIntervals(t *testing.T) {
	control := metrics.VariantCounts{UniqueUsers: 10, Conversions: 1}
	treatment := metrics.VariantCounts{UniqueUsers: 10, Conversions: 2}
	cmp := metrics.Compare(control, treatment, 1000, 0.95)
	assert.Equal(t, metrics.WilsonInterval{}, cmp.ControlCI)
	assert.Equal(t, metrics.WilsonInterval{}, cmp.TreatmentCI)
}

func TestCompareIdenticalRatesYieldsNoLiftAndHighPValue(t *testing.T) {
	control := metrics.VariantCounts{UniqueUsers: 1000, Conversions: 100}
	treatment := metrics.VariantCounts{UniqueUsers: 1000, Conversions: 100}
	cmp := metrics.Compare(control, treatment, 0, 0.95)
	assert.InDelta(t, 0, cmp.LiftPct, 1e-9)
	assert.InDelta(t, 0, cmp.ZScore, 1e-9)
	assert.InDelta(t, 1, cmp.PValue, 1e-9)
	assert.InDelta(t, 0, cmp.CohensH, 1e-9)
	assert.True(t, cmp.Adequate)
	assert.False(t, cmp.Significant)
}

func TestCompareClearWinnerYieldsPositiveLiftAndLowPValue(t *testing.T) {
	control := metrics.VariantCounts{UniqueUsers: 10000, Conversions: 500}   // 5%
	treatment := metrics.VariantCounts{UniqueUsers: 10000, Conversions: 800} // 8%
	cmp := metrics.Compare(control, treatment, 0, 0.95)
	assert.Greater(t, cmp.LiftPct, 0.0)
	assert.Greater(t, cmp.ZScore, 0.0)
	assert.Less(t, cmp.PValue, 0.05)
	assert.Greater(t, cmp.CohensH, 0.0)
	assert.True(t, cmp.Adequate)
	assert.True(t, cmp.Significant)
	assert.Greater(t, cmp.Power, 0.9)
}

func TestCompareZeroExposureControlAvoidsDivideByZero(t *testing.T) {
	control := metrics.VariantCounts{}
	treatment := metrics.VariantCounts{UniqueUsers: 100, Conversions: 10}
	cmp := metrics.Compare(control, treatment, 0, 0.95)
	assert.Equal(t, 0.0, cmp.LiftPct)
	assert.Equal(t, 0.0, cmp.ZScore)
	assert.Equal(t, 1.0, cmp.PValue)
	assert.Equal(t, 0.0, cmp.Power)
}

func TestCompareBelowMinSampleSuppressesLiftAndSignificance(t *testing.T) {
	// Same rates as the clear-winner case above, but min_sample excludes
	// both variants from being actionable.
	control := metrics.VariantCounts{UniqueUsers: 10000, Conversions: 500}
	treatment := metrics.VariantCounts{UniqueUsers: 10000, Conversions: 800}
	cmp := metrics.Compare(control, treatment, 50000, 0.95)
	assert.False(t, cmp.Adequate)
	assert.Equal(t, 0.0, cmp.LiftPct)
	assert.False(t, cmp.Significant, "a comparison below min_sample must never be reported significant")
	// The underlying z-test/p-value are still computed for transparency.
	assert.Less(t, cmp.PValue, 0.05)
}

func TestVariantCountsAdequacy(t *testing.T) {
	c := metrics.VariantCounts{UniqueUsers: 100}
	assert.Equal(t, metrics.SampleAdequate, c.Adequacy(0))
	assert.Equal(t, metrics.SampleAdequate, c.Adequacy(100))
	assert.Equal(t, metrics.SampleInsufficient, c.Adequacy(101))
}

func TestFunnelEmptyStepsReturnsNil(t *testing.T) {
	assert.Nil(t, metrics.Funnel(nil))
}

func TestFunnelComputesOverallAndStepOverStepRates(t *testing.T) {
	steps := []metrics.FunnelStep{
		{Name: "viewed", Reached: 1000},
		{Name: "added_to_cart", Reached: 400},
		{Name: "purchased", Reached: 100},
	}
	want := []metrics.FunnelResult{
		{Name: "viewed", Reached: 1000, OverallRate: 1.0, StepOverStepRate: 1.0},
		{Name: "added_to_cart", Reached: 400, OverallRate: 0.4, StepOverStepRate: 0.4},
		{Name: "purchased", Reached: 100, OverallRate: 0.1, StepOverStepRate: 0.25},
	}
	if diff := cmp.Diff(want, metrics.Funnel(steps), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("funnel results mismatch (-want +got):\n%s", diff)
	}
}

func TestFunnelZeroReachFirstStepAvoidsDivideByZero(t *testing.T) {
	steps := []metrics.FunnelStep{
		{Name: "viewed", Reached: 0},
		{Name: "purchased", Reached: 0},
	}
	results := metrics.Funnel(steps)
	if assert.Len(t, results, 2) {
		assert.Equal(t, 0.0, results[1].OverallRate)
	}
}

func TestPowerGrowsWithSampleSizeForAFixedEffect(t *testing.T) {
	small := metrics.Power(0.1, 200, 200)
	large := metrics.Power(0.1, 20000, 20000)
	assert.Greater(t, large, small)
}

func TestPowerZeroEffectNeverReachesOne(t *testing.T) {
	assert.Less(t, metrics.Power(0, 100000, 100000), 0.06)
}

func TestPowerZeroExposureIsZero(t *testing.T) {
	assert.Equal(t, 0.0, metrics.Power(0.3, 0, 100))
	assert.Equal(t, 0.0, metrics.Power(0.3, 100, 0))
}

func TestPowerUsesTheHarmonicMeanSoTheSmallerArmDominates(t *testing.T) {
	lopsided := metrics.Power(0.2, 20, 100000)
	balanced := metrics.Power(0.2, 40, 40)
	// A hugely unequal split behaves like the harmonic mean (~40), not the
	// arithmetic mean (~50000): power tracks the smaller arm.
	assert.InDelta(t, balanced, lopsided, 0.05)
}
