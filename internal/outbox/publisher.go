package outbox

import (
	"context"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/jmoiron/sqlx"

	"github.com/exp-platform/core/internal/breaker"
	"github.com/exp-platform/core/domain"
	"github.com/exp-platform/core/internal/bus"
	"github.com/exp-platform/core/internal/log"
	retrybp "github.com/exp-platform/core/internal/retry"
)

// Publisher repeatedly leases unprocessed outbox rows and hands each one to
// the bus, retrying transient publish failures and tripping a circuit
// breaker when the bus itself is unhealthy so a struggling broker doesn't
// turn into a lease-and-retry hot loop.
type Publisher struct {
	db       *sqlx.DB
	producer bus.Producer
	breaker  breaker.FailureRatioBreaker
	logger   log.Wrapper

	batchSize int
	interval  time.Duration

	assignmentsTopic string
	eventsTopic      string
}

// PublisherConfig configures a Publisher's polling cadence and batch size.
type PublisherConfig struct {
	BatchSize        int
	Interval         time.Duration
	AssignmentsTopic string
	EventsTopic      string
}

// NewPublisher wires a Publisher from an open pool and a bus producer.
func NewPublisher(db *sqlx.DB, producer bus.Producer, cfg PublisherConfig, logger log.Wrapper) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	cb := breaker.NewFailureRatioBreaker(breaker.Config{
		Name:              "outbox-publisher",
		MinRequestsToTrip: 10,
		FailureThreshold:  0.5,
		Logger:            logger,
		Timeout:           30 * time.Second,
	})
	return &Publisher{
		db:               db,
		producer:         producer,
		breaker:          cb,
		logger:           logger,
		batchSize:        cfg.BatchSize,
		interval:         cfg.Interval,
		assignmentsTopic: cfg.AssignmentsTopic,
		eventsTopic:      cfg.EventsTopic,
	}
}

// Run polls for unprocessed outbox rows until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Drain(ctx); err != nil {
				p.logger.Log(ctx, "outbox publisher: drain error: "+err.Error())
			}
		}
	}
}

// Drain leases and publishes one batch of unprocessed outbox rows, returning
// how many were successfully published. Exported so tests can exercise one
// poll cycle synchronously instead of racing Run's ticker.
func (p *Publisher) Drain(ctx context.Context) (int, error) {
	return Lease(ctx, p.db, p.batchSize, func(r domain.OutboxRecord) error {
		return p.publishOne(ctx, r)
	})
}

func (p *Publisher) topicFor(r domain.OutboxRecord) string {
	if r.AggregateType == domain.AggregateEvent {
		return p.eventsTopic
	}
	return p.assignmentsTopic
}

func (p *Publisher) publishOne(ctx context.Context, r domain.OutboxRecord) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		return nil, retrybp.Do(ctx, func() error {
			return p.producer.Publish(ctx, p.topicFor(r), r.AggregateID, r.Payload)
		}, retry.Attempts(3))
	})
	return err
}
