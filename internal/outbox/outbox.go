// Package outbox implements the transactional outbox: every domain
// write that must eventually reach the bus records a row in the same
// transaction as the domain change, and a separate publisher
// leases unprocessed rows with Postgres's FOR UPDATE SKIP LOCKED so that
// multiple publisher instances can run concurrently without double-sending
// the same row, retrying transient bus failures through retry and
// breaker the way the rest of this repository's outbound calls do.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/exp-platform/core/domain"
	experrors "github.com/exp-platform/core/internal/errors"
)

const insertOutboxSQL = `
INSERT INTO outbox (aggregate_type, aggregate_id, event_type, payload, created_at)
VALUES ($1, $2, $3, $4, now())
`

// assignmentPayload is the self-contained JSON body a consumer needs,
// independent of the domain table schema (the publisher never re-reads
// domain tables").
type assignmentPayload struct {
	ExperimentID int64  `json:"experiment_id"`
	UserID       string `json:"user_id"`
	VariantID    int64  `json:"variant_id"`
	Version      int64  `json:"version"`
	Source       string `json:"source"`
}

// WriteAssignmentCreated inserts the outbox row describing a with the same
// tx that inserted a, so both commit or both roll back together.
func WriteAssignmentCreated(ctx context.Context, tx *sqlx.Tx, a domain.Assignment) error {
	payload, err := json.Marshal(assignmentPayload{
		ExperimentID: a.ExperimentID,
		UserID:       a.UserID,
		VariantID:    a.VariantID,
		Version:      a.Version,
		Source:       string(a.Source),
	})
	if err != nil {
		return experrors.Wrap(experrors.Internal, "marshaling assignment outbox payload", err)
	}

	_, err = tx.ExecContext(ctx, insertOutboxSQL,
		domain.AggregateAssignment, fmt.Sprintf("%d:%s", a.ExperimentID, a.UserID), domain.EventAssignmentCreated, payload,
	)
	if err != nil {
		return experrors.Wrap(experrors.Unavailable, "writing assignment outbox row", err)
	}
	return nil
}

// enrolledPayload extends the assignment snapshot with the enrollment
// moment, so a consumer gating metrics on exposure never re-reads the
// assignments table for it.
type enrolledPayload struct {
	ExperimentID int64      `json:"experiment_id"`
	UserID       string     `json:"user_id"`
	VariantID    int64      `json:"variant_id"`
	Version      int64      `json:"version"`
	Source       string     `json:"source"`
	EnrolledAt   *time.Time `json:"enrolled_at"`
}

// WriteAssignmentEnrolled inserts the outbox row describing a's enrollment
// in the same tx that set enrolled_at, so both commit or both roll back
// together.
func WriteAssignmentEnrolled(ctx context.Context, tx *sqlx.Tx, a domain.Assignment) error {
	payload, err := json.Marshal(enrolledPayload{
		ExperimentID: a.ExperimentID,
		UserID:       a.UserID,
		VariantID:    a.VariantID,
		Version:      a.Version,
		Source:       string(a.Source),
		EnrolledAt:   a.EnrolledAt,
	})
	if err != nil {
		return experrors.Wrap(experrors.Internal, "marshaling enrollment outbox payload", err)
	}

	_, err = tx.ExecContext(ctx, insertOutboxSQL,
		domain.AggregateAssignment, fmt.Sprintf("%d:%s", a.ExperimentID, a.UserID), domain.EventAssignmentEnrolled, payload,
	)
	if err != nil {
		return experrors.Wrap(experrors.Unavailable, "writing enrollment outbox row", err)
	}
	return nil
}

// eventPayload mirrors assignmentPayload for event rows. IsValid carries
// the validity verdict (timestamp >= assignment_at) so a bus consumer
// never needs to re-derive it, or re-read the assignments table, to decide
// whether this event counts toward metrics.
type eventPayload struct {
	EventID      string `json:"event_id"`
	ExperimentID int64  `json:"experiment_id"`
	UserID       string `json:"user_id"`
	VariantID    int64  `json:"variant_id"`
	EventType    string `json:"event_type"`
	IsValid      bool   `json:"is_valid"`
}

// WriteEventCreated inserts the outbox row describing e, in the same tx
// that inserted e.
func WriteEventCreated(ctx context.Context, tx *sqlx.Tx, e domain.Event) error {
	payload, err := json.Marshal(eventPayload{
		EventID:      e.ID.String(),
		ExperimentID: e.ExperimentID,
		UserID:       e.UserID,
		VariantID:    e.VariantID,
		EventType:    e.EventType,
		IsValid:      e.IsValid(),
	})
	if err != nil {
		return experrors.Wrap(experrors.Internal, "marshaling event outbox payload", err)
	}

	_, err = tx.ExecContext(ctx, insertOutboxSQL,
		domain.AggregateEvent, e.ID.String(), domain.EventEventCreated, payload,
	)
	if err != nil {
		return experrors.Wrap(experrors.Unavailable, "writing event outbox row", err)
	}
	return nil
}

const leaseBatchSQL = `
SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, processed_at
FROM outbox
WHERE processed_at IS NULL
ORDER BY id
LIMIT $1
FOR UPDATE SKIP LOCKED
`

const markProcessedSQL = `UPDATE outbox SET processed_at = now() WHERE id = ANY($1)`

// Lease selects up to limit unprocessed rows, locking them for the duration
// of fn so a concurrent publisher instance skips past them (SKIP LOCKED)
// rather than blocking or double-publishing. Rows fn does not return an
// error for are marked processed before the transaction commits; any row
// fn errors on is left unprocessed and is retried on the next Lease call.
func Lease(ctx context.Context, db *sqlx.DB, limit int, fn func(domain.OutboxRecord) error) (processed int, err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, experrors.Wrap(experrors.Unavailable, "beginning outbox lease transaction", err)
	}
	defer tx.Rollback()

	var rows []domain.OutboxRecord
	if err := tx.SelectContext(ctx, &rows, leaseBatchSQL, limit); err != nil {
		return 0, experrors.Wrap(experrors.Unavailable, "leasing outbox rows", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var done []int64
	for _, r := range rows {
		if err := fn(r); err != nil {
			continue
		}
		done = append(done, r.ID)
	}

	if len(done) > 0 {
		if _, err := tx.ExecContext(ctx, markProcessedSQL, pq.Array(done)); err != nil {
			return 0, experrors.Wrap(experrors.Unavailable, "marking outbox rows processed", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, experrors.Wrap(experrors.Unavailable, "committing outbox lease transaction", err)
	}
	return len(done), nil
}
