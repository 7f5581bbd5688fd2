package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/exp-platform/core/internal/log"
	"github.com/exp-platform/core/internal/metricsbp"
)

// FailureRatioBreaker wraps gobreaker with the tripping policy this service
// wants for its outbound calls (bus publish, cache): trip on a failure
// ratio, but only once enough requests have been seen that the ratio means
// something.
type FailureRatioBreaker struct {
	goBreaker *gobreaker.CircuitBreaker

	name              string
	minRequestsToTrip int
	failureThreshold  float64
	logger            log.Wrapper
}

// Config configures a FailureRatioBreaker. Deserializable from YAML so the
// outbox publisher's breaker can be tuned without a rebuild.
type Config struct {
	// MinRequestsToTrip is the request floor below which the breaker never
	// opens, however bad the ratio looks.
	MinRequestsToTrip int `yaml:"minRequestsToTrip"`

	// FailureThreshold in [0,1]: the failure ratio at which the breaker
	// opens once MinRequestsToTrip is met. 0.05 means >=5% failures trip.
	FailureThreshold float64 `yaml:"failureThreshold"`

	// Name disambiguates log lines and metrics when several breakers run
	// in one process.
	Name string `yaml:"name"`

	// EmitStatusMetrics starts a goroutine exporting a closed/open gauge
	// every metricsbp.SysStatsTickerInterval, stopping when
	// metricsbp.M.Ctx() is done.
	EmitStatusMetrics bool `yaml:"emitStatusMetrics"`

	// Logger receives state-change and trip messages.
	Logger log.Wrapper `yaml:"logger"`

	// MaxRequestsHalfOpen bounds the probe requests let through while
	// half-open; 0 means exactly one.
	MaxRequestsHalfOpen uint32 `yaml:"maxRequestsHalfOpen"`

	// Interval is the cyclic reset period of the closed state's counters;
	// 0 never resets them while closed.
	Interval time.Duration `yaml:"interval"`

	// Timeout is how long the breaker stays open before probing half-open.
	Timeout time.Duration `yaml:"timeout"`
}

// NewFailureRatioBreaker builds a breaker from config, optionally starting
// its status-gauge goroutine.
func NewFailureRatioBreaker(config Config) FailureRatioBreaker {
	failureBreaker := FailureRatioBreaker{
		name:              config.Name,
		minRequestsToTrip: config.MinRequestsToTrip,
		failureThreshold:  config.FailureThreshold,
		logger:            config.Logger,
	}
	settings := gobreaker.Settings{
		Name:          config.Name,
		Interval:      config.Interval,
		Timeout:       config.Timeout,
		MaxRequests:   config.MaxRequestsHalfOpen,
		ReadyToTrip:   failureBreaker.shouldTrip,
		OnStateChange: failureBreaker.stateChanged,
	}

	failureBreaker.goBreaker = gobreaker.NewCircuitBreaker(settings)
	if config.EmitStatusMetrics {
		go failureBreaker.runStatsProducer()
	}
	return failureBreaker
}

func (cb FailureRatioBreaker) runStatsProducer() {
	// 1 while closed or half-open (requests flowing), 0 while open.
	circuitBreakerGauge := metricsbp.M.RuntimeGauge(cb.name + "-circuit-breaker-closed")

	tick := time.NewTicker(metricsbp.SysStatsTickerInterval)
	defer tick.Stop()
	for {
		select {
		case <-metricsbp.M.Ctx().Done():
			return
		case <-tick.C:
			if cb.goBreaker.State() == gobreaker.StateOpen {
				circuitBreakerGauge.Set(0)
			} else {
				circuitBreakerGauge.Set(1)
			}
		}
	}
}

// Execute runs fn under the breaker, returning gobreaker.ErrOpenState
// without calling fn while the breaker is open.
func (cb FailureRatioBreaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return cb.goBreaker.Execute(fn)
}

func (cb FailureRatioBreaker) shouldTrip(counts gobreaker.Counts) bool {
	if counts.Requests > 0 && counts.Requests >= uint32(cb.minRequestsToTrip) {
		failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
		if failureRatio >= cb.failureThreshold {
			cb.logger.Log(context.Background(), fmt.Sprintf(
				"tripping circuit breaker: name=%v, counts=%v", cb.name, counts))
			return true
		}
	}
	return false
}

func (cb FailureRatioBreaker) stateChanged(name string, from gobreaker.State, to gobreaker.State) {
	cb.logger.Log(context.Background(), fmt.Sprintf(
		"circuit breaker %v state changed from %v to %v", name, from, to))
}

var (
	_ CircuitBreaker = FailureRatioBreaker{}
	_ CircuitBreaker = (*gobreaker.CircuitBreaker)(nil)
)
