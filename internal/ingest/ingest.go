// Package ingest implements the event ingestor: resolving (and, on a
// first-time hit, creating) the assignment an event is explained by,
// denormalizing variant_id and assignment_at onto the event row so
// downstream metrics queries (internal/metrics) never need to join back to
// the assignments table, and bumping best-effort real-time counters in
// Redis that the Query Router can read without waiting on the analytical
// store. Invalid events (timestamp before assignment_at) are stored, not
// rejected: validity is a read-time filter, not a write-time one.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/exp-platform/core/domain"
	"github.com/exp-platform/core/internal/assignment"
	experrors "github.com/exp-platform/core/internal/errors"
	"github.com/exp-platform/core/internal/outbox"
)

// MaxBatchSize is the invariant ceiling on how many events one ingestion
// call may contain.
const MaxBatchSize = 1000

// exposureEventType is the event type whose arrival enrolls a user, per
// an exposure event marks the user as enrolled as a side effect.
const exposureEventType = "exposure"

// ExperimentLoader loads an experiment and its variants, implemented by
// internal/lifecycle.Manager. A narrow interface here keeps this package
// from depending on lifecycle's transition machinery it never calls.
type ExperimentLoader interface {
	Load(ctx context.Context, experimentID int64) (*domain.Experiment, error)
}

// Service records events against assignments, creating the assignment
// first when an event is the user's first interaction with the experiment.
type Service struct {
	db          *sqlx.DB
	redis       *redis.Client
	assignments *assignment.Service
	experiments ExperimentLoader
}

// NewService wires a Service from an open pool, the assignment service
// (for the create-if-missing step), an experiment loader, and an optional
// Redis client (nil disables real-time counters without failing ingestion).
func NewService(db *sqlx.DB, redisClient *redis.Client, assignments *assignment.Service, experiments ExperimentLoader) *Service {
	return &Service{db: db, redis: redisClient, assignments: assignments, experiments: experiments}
}

const insertEventSQL = `
INSERT INTO events (id, timestamp, experiment_id, user_id, variant_id, event_type, properties, assignment_at, session_id, request_id)
VALUES (:id, :timestamp, :experiment_id, :user_id, :variant_id, :event_type, :properties, :assignment_at, :session_id, :request_id)
`

// resolveAssignment loads the experiment and runs get_or_assign (creating
// the assignment on a first-time hit, enrolling it if e's event type is
// "exposure"), then stamps e.VariantID and e.AssignmentAt from the result.
func (s *Service) resolveAssignment(ctx context.Context, e *domain.Event) error {
	experiment, err := s.experiments.Load(ctx, e.ExperimentID)
	if err != nil {
		return err
	}
	a, err := s.assignments.GetOrAssign(ctx, experiment, e.UserID, e.EventType == exposureEventType)
	if err != nil {
		return err
	}
	e.VariantID = a.VariantID
	e.AssignmentAt = a.AssignedAt
	return nil
}

// Record inserts a single event, denormalizing variant_id and
// assignment_at from the user's assignment (created now if this is their
// first event against the experiment). An event whose timestamp precedes
// assignment_at is still stored, flagged invalid rather than rejected;
// metrics filter it out at read time.
func (s *Service) Record(ctx context.Context, e domain.Event) (domain.Event, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	if err := s.resolveAssignment(ctx, &e); err != nil {
		return domain.Event{}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Event{}, experrors.Wrap(experrors.Unavailable, "beginning event transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, insertEventSQL, e); err != nil {
		return domain.Event{}, experrors.Wrap(experrors.Unavailable, "inserting event", err)
	}

	if err := outbox.WriteEventCreated(ctx, tx, e); err != nil {
		return domain.Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.Event{}, experrors.Wrap(experrors.Unavailable, "committing event transaction", err)
	}

	s.bumpCounters(ctx, e)
	return e, nil
}

// BatchResult reports a batch ingestion outcome. Per the all-or-nothing
// variant, a batch commits all-or-nothing: Recorded is either every event
// in the input (success) or empty (any row's insert, or its assignment
// resolution, failed and the whole batch was rolled back).
type BatchResult struct {
	Recorded []domain.Event
	Failures experrors.Batch
}

// RecordBatch records up to MaxBatchSize events as a single transaction.
// Assignment resolution happens before the transaction opens (it has its
// own commit boundary per assignment.Service's design); the event+outbox
// inserts happen inside one shared transaction so a failure on any row —
// most commonly a reference to a nonexistent user — rolls every row in the
// batch back together, matching scenario 6's "0 rows committed" contract.
// Per-row semantic validation (malformed properties, unknown event types)
// is expected to have happened above this layer.
func (s *Service) RecordBatch(ctx context.Context, events []domain.Event) (BatchResult, error) {
	if len(events) > MaxBatchSize {
		return BatchResult{}, experrors.New(experrors.Validation, fmt.Sprintf("batch of %d exceeds max %d", len(events), MaxBatchSize))
	}
	if len(events) == 0 {
		return BatchResult{}, nil
	}

	resolved := make([]domain.Event, len(events))
	for i, e := range events {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}
		if err := s.resolveAssignment(ctx, &e); err != nil {
			return BatchResult{Failures: singleBatchFailure(len(events), fmt.Errorf("event %d (user %s): %w", i, e.UserID, err))}, nil
		}
		resolved[i] = e
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return BatchResult{}, experrors.Wrap(experrors.Unavailable, "beginning batch event transaction", err)
	}
	defer tx.Rollback()

	for _, e := range resolved {
		if _, err := tx.NamedExecContext(ctx, insertEventSQL, e); err != nil {
			return BatchResult{Failures: singleBatchFailure(len(events), err)}, nil
		}
		if err := outbox.WriteEventCreated(ctx, tx, e); err != nil {
			return BatchResult{Failures: singleBatchFailure(len(events), err)}, nil
		}
	}

	if err := tx.Commit(); err != nil {
		return BatchResult{}, experrors.Wrap(experrors.Unavailable, "committing batch event transaction", err)
	}

	for _, e := range resolved {
		s.bumpCounters(ctx, e)
	}
	return BatchResult{Recorded: resolved}, nil
}

func singleBatchFailure(batchSize int, cause error) experrors.Batch {
	var b experrors.Batch
	b.Add(fmt.Errorf("batch of %d events rolled back: %w", batchSize, cause))
	return b
}

// counterKey is the Redis key a real-time per-(experiment, variant,
// event type) counter is stored under.
func counterKey(experimentID int64, variantID int64, eventType string) string {
	return fmt.Sprintf("rtcounter:v1:exp:%d:variant:%d:event:%s", experimentID, variantID, eventType)
}

// bumpCounters increments the real-time counter for e. Failures are
// swallowed: these counters are a fast-path convenience for the Query
// Router, never the system of record (the analytical store, populated by
// the outbox, is).
func (s *Service) bumpCounters(ctx context.Context, e domain.Event) {
	if s.redis == nil {
		return
	}
	s.redis.Incr(ctx, counterKey(e.ExperimentID, e.VariantID, e.EventType))
	if e.EventType == exposureEventType {
		s.redis.Incr(ctx, fmt.Sprintf("rtcounter:v1:exp:%d:variant:%d:exposed", e.ExperimentID, e.VariantID))
	}
}
