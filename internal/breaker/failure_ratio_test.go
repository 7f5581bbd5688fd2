package breaker_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exp-platform/core/internal/breaker"
	"github.com/exp-platform/core/internal/log"
)

func TestExecuteReturnsTheWrappedFuncsResultOnSuccess(t *testing.T) {
	cb := breaker.NewFailureRatioBreaker(breaker.Config{
		Name:              "test",
		MinRequestsToTrip: 10,
		FailureThreshold:  0.5,
		Logger:            log.NopWrapper,
	})

	result, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestExecutePropagatesTheWrappedFuncsErrorBelowTheTripThreshold(t *testing.T) {
	cb := breaker.NewFailureRatioBreaker(breaker.Config{
		Name:              "test",
		MinRequestsToTrip: 10,
		FailureThreshold:  0.5,
		Logger:            log.NopWrapper,
	})

	want := errors.New("boom")
	_, err := cb.Execute(func() (interface{}, error) { return nil, want })
	assert.Equal(t, want, err)
}

func TestExecuteTripsOpenOnceTheFailureRatioClearsTheThreshold(t *testing.T) {
	cb := breaker.NewFailureRatioBreaker(breaker.Config{
		Name:              "test",
		MinRequestsToTrip: 4,
		FailureThreshold:  0.5,
		Logger:            log.NopWrapper,
	})

	failing := func() (interface{}, error) { return nil, errors.New("boom") }
	for i := 0; i < 4; i++ {
		_, _ = cb.Execute(failing)
	}

	// The breaker is now open: even a call that would otherwise succeed is
	// rejected with gobreaker's own ErrOpenState rather than being run.
	ranInsideBreaker := false
	_, err := cb.Execute(func() (interface{}, error) {
		ranInsideBreaker = true
		return "ok", nil
	})
	require.Error(t, err)
	assert.False(t, ranInsideBreaker, "a tripped breaker must not invoke the wrapped function at all")
}

func TestFailureRatioBreakerImplementsCircuitBreaker(t *testing.T) {
	var _ breaker.CircuitBreaker = breaker.NewFailureRatioBreaker(breaker.Config{
		Name: "iface-check", MinRequestsToTrip: 1, FailureThreshold: 1,
	})
}
