// Package bulk implements the bulk writer: set-oriented create/update/
// delete operations over Experiments, Assignments, and Events (plus the
// Users and Variants upserts the admin surface needs), reporting
// partial failure as a single batch-level error via errors.Batch (through
// internal/errors) rather than tracking per-row outcomes within one commit
// — once a statement in a Postgres transaction errors, the transaction is
// aborted and every row in the batch rolls back together, so the partial-
// failure unit this package reports is the whole batch, not the row.
package bulk

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

// MaxBatchSize bounds one bulk call the same way ingest.MaxBatchSize bounds
// event batches, so a single oversized request can't monopolize a
// connection in the upsert loop below.
const MaxBatchSize = 1000

// Writer performs bulk domain-entity writes.
type Writer struct {
	db *sqlx.DB
}

// NewWriter wraps an open pool.
func NewWriter(db *sqlx.DB) *Writer {
	return &Writer{db: db}
}

// Result reports how many inputs of a bulk call were written, plus the
// batch-level failure, if any; it does not say which individual inputs
// succeeded.
type Result struct {
	Succeeded int
	Failures  experrors.Batch
}

const insertExperimentSQL = `
INSERT INTO experiments (key, name, description, status, seed, version, starts_at, ends_at, config, created_at, updated_at)
VALUES (:key, :name, :description, :status, :seed, 1, :starts_at, :ends_at, :config, now(), now())
`

// CreateExperiments bulk-creates experiments as one transaction. Every new
// experiment starts at version 1, in Draft unless the caller set a status;
// a duplicate key anywhere in the
// batch (experiments.key is unique) rolls the whole batch back. Status and
// seed defaults are filled per row so a caller can submit bare key+name
// documents.
func (w *Writer) CreateExperiments(ctx context.Context, experiments []domain.Experiment) (Result, error) {
	if len(experiments) > MaxBatchSize {
		return Result{}, experrors.New(experrors.Validation, fmt.Sprintf("batch of %d exceeds max %d", len(experiments), MaxBatchSize))
	}
	for _, e := range experiments {
		if e.Key == "" {
			return Result{Failures: singleFailure("experiment with empty key rejected")}, nil
		}
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return Result{}, experrors.Wrap(experrors.Unavailable, "beginning bulk experiment transaction", err)
	}
	defer tx.Rollback()

	for _, e := range experiments {
		if e.Status == "" {
			e.Status = domain.StatusDraft
		}
		if e.Seed == "" {
			e.Seed = e.Key
		}
		if _, err := tx.NamedExecContext(ctx, insertExperimentSQL, e); err != nil {
			return Result{Failures: singleFailure(fmt.Sprintf("batch of %d experiments rolled back: %v", len(experiments), err))}, nil
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, experrors.Wrap(experrors.Unavailable, "committing bulk experiment transaction", err)
	}
	return Result{Succeeded: len(experiments)}, nil
}

// ExperimentPatch carries the fields update_bulk may change on every
// experiment in an id set; nil fields are left alone. Status and seed are
// deliberately absent: status changes go through internal/lifecycle (which
// bumps the version and invalidates caches), and a seed never changes
// after creation.
type ExperimentPatch struct {
	Name        *string          `json:"name"`
	Description *string          `json:"description"`
	StartsAt    *time.Time       `json:"starts_at"`
	EndsAt      *time.Time       `json:"ends_at"`
	Config      *json.RawMessage `json:"config"`
}

const updateExperimentsSQL = `
UPDATE experiments SET
  name = coalesce($2, name),
  description = coalesce($3, description),
  starts_at = coalesce($4, starts_at),
  ends_at = coalesce($5, ends_at),
  config = coalesce($6, config),
  updated_at = now()
WHERE id = ANY($1)
`

// UpdateExperiments applies one patch to every experiment in ids as a
// single statement.
func (w *Writer) UpdateExperiments(ctx context.Context, ids []int64, patch ExperimentPatch) (Result, error) {
	if len(ids) == 0 {
		return Result{}, nil
	}
	if len(ids) > MaxBatchSize {
		return Result{}, experrors.New(experrors.Validation, fmt.Sprintf("batch of %d exceeds max %d", len(ids), MaxBatchSize))
	}

	res, err := w.db.ExecContext(ctx, updateExperimentsSQL, pq.Array(ids),
		patch.Name, patch.Description, patch.StartsAt, patch.EndsAt, patch.Config)
	if err != nil {
		return Result{Failures: singleFailure(fmt.Sprintf("batch of %d experiments rolled back: %v", len(ids), err))}, nil
	}
	affected, _ := res.RowsAffected()
	return Result{Succeeded: int(affected)}, nil
}

// DeleteExperiments hard-deletes experiments and everything they own
// (events, assignments, variants) in one transaction, child rows first so
// no foreign key is ever dangling mid-commit.
func (w *Writer) DeleteExperiments(ctx context.Context, ids []int64) (Result, error) {
	if len(ids) == 0 {
		return Result{}, nil
	}
	if len(ids) > MaxBatchSize {
		return Result{}, experrors.New(experrors.Validation, fmt.Sprintf("batch of %d exceeds max %d", len(ids), MaxBatchSize))
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return Result{}, experrors.Wrap(experrors.Unavailable, "beginning bulk experiment delete transaction", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM events WHERE experiment_id = ANY($1)",
		"DELETE FROM assignments WHERE experiment_id = ANY($1)",
		"DELETE FROM variants WHERE experiment_id = ANY($1)",
	} {
		if _, err := tx.ExecContext(ctx, stmt, pq.Array(ids)); err != nil {
			return Result{Failures: singleFailure(fmt.Sprintf("batch of %d experiments rolled back: %v", len(ids), err))}, nil
		}
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM experiments WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return Result{Failures: singleFailure(fmt.Sprintf("batch of %d experiments rolled back: %v", len(ids), err))}, nil
	}

	if err := tx.Commit(); err != nil {
		return Result{}, experrors.Wrap(experrors.Unavailable, "committing bulk experiment delete transaction", err)
	}
	affected, _ := res.RowsAffected()
	return Result{Succeeded: int(affected)}, nil
}

const upsertUserSQL = `
INSERT INTO users (user_id, email, name, properties, is_active, created_at, updated_at)
VALUES (:user_id, :email, :name, :properties, :is_active, now(), now())
ON CONFLICT (user_id) DO UPDATE SET
  email = EXCLUDED.email,
  name = EXCLUDED.name,
  properties = EXCLUDED.properties,
  is_active = EXCLUDED.is_active,
  updated_at = now()
`

// UpsertUsers bulk-creates-or-updates users in one transaction, one
// statement per row, per the Bulk Writer's partial-failure model: every row commits
// together or none do. A constraint violation anywhere in the batch rolls
// the whole transaction back; Postgres itself refuses further statements on
// an aborted transaction, so there is no well-defined way to "skip" the bad
// row and keep going within one commit. Callers that want partial progress
// resubmit the batch with the offending rows removed.
func (w *Writer) UpsertUsers(ctx context.Context, users []domain.User) (Result, error) {
	if len(users) > MaxBatchSize {
		return Result{}, experrors.New(experrors.Validation, fmt.Sprintf("batch of %d exceeds max %d", len(users), MaxBatchSize))
	}
	for _, u := range users {
		if u.UserID == "" {
			return Result{Failures: singleFailure("user with empty user_id rejected")}, nil
		}
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return Result{}, experrors.Wrap(experrors.Unavailable, "beginning bulk user transaction", err)
	}
	defer tx.Rollback()

	for _, u := range users {
		if _, err := tx.NamedExecContext(ctx, upsertUserSQL, u); err != nil {
			return Result{Failures: singleFailure(fmt.Sprintf("batch of %d users rolled back: %v", len(users), err))}, nil
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, experrors.Wrap(experrors.Unavailable, "committing bulk user transaction", err)
	}
	return Result{Succeeded: len(users)}, nil
}

// singleFailure builds a Result.Failures holding exactly one batch-level
// error, reported as a single batch-level failure:
// one constraint violation fails the batch as a unit, not row by row.
func singleFailure(msg string) experrors.Batch {
	var b experrors.Batch
	b.Add(fmt.Errorf("%s", msg))
	return b
}

const upsertVariantSQL = `
INSERT INTO variants (experiment_id, key, name, allocation_pct, is_control, config, created_at, updated_at)
VALUES (:experiment_id, :key, :name, :allocation_pct, :is_control, :config, now(), now())
ON CONFLICT (experiment_id, key) DO UPDATE SET
  name = EXCLUDED.name,
  allocation_pct = EXCLUDED.allocation_pct,
  is_control = EXCLUDED.is_control,
  config = EXCLUDED.config,
  updated_at = now()
`

// UpsertVariants bulk-creates-or-updates variants for a single experiment.
// Allocation percentages are validated to sum to 100 before any row is
// written, since a partial allocation update would leave the hasher's
// cumulative-threshold walk (internal/hasher) silently wrong for every user.
// A non-empty upsert also bumps the experiment's version in the same
// transaction.
func (w *Writer) UpsertVariants(ctx context.Context, experimentID int64, variants []domain.Variant) (Result, error) {
	if len(variants) > MaxBatchSize {
		return Result{}, experrors.New(experrors.Validation, fmt.Sprintf("batch of %d exceeds max %d", len(variants), MaxBatchSize))
	}

	var total float64
	for _, v := range variants {
		total += v.AllocationPct
	}
	if len(variants) > 0 && (total < 99.99 || total > 100.01) {
		return Result{}, experrors.New(experrors.Validation, fmt.Sprintf("variant allocations sum to %.2f, want 100", total))
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return Result{}, experrors.Wrap(experrors.Unavailable, "beginning bulk variant transaction", err)
	}
	defer tx.Rollback()

	for _, v := range variants {
		v.ExperimentID = experimentID
		if _, err := tx.NamedExecContext(ctx, upsertVariantSQL, v); err != nil {
			return Result{Failures: singleFailure(fmt.Sprintf("batch of %d variants rolled back: %v", len(variants), err))}, nil
		}
	}
	if len(variants) > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE experiments SET version = version + 1, updated_at = now() WHERE id = $1`, experimentID); err != nil {
			return Result{Failures: singleFailure(fmt.Sprintf("batch of %d variants rolled back: %v", len(variants), err))}, nil
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, experrors.Wrap(experrors.Unavailable, "committing bulk variant transaction", err)
	}
	return Result{Succeeded: len(variants)}, nil
}

const upsertAssignmentOverrideSQL = `
INSERT INTO assignments (experiment_id, user_id, variant_id, version, source, assigned_at)
VALUES (:experiment_id, :user_id, :variant_id, :version, :source, now())
ON CONFLICT (experiment_id, user_id) DO UPDATE SET
  variant_id = EXCLUDED.variant_id,
  version = EXCLUDED.version,
  source = EXCLUDED.source,
  assigned_at = now()
`

// UpsertAssignments bulk-creates-or-overrides assignments with
// ON CONFLICT ... DO UPDATE, the administrative override conflict policy
// deliberately distinct from the event ingestion path (which
// never mutates an existing assignment). Every row in a
// passed Assignment must already carry Source = override or forced; callers
// do not get to sneak a bulk-hash reassignment past the sticky guarantee.
func (w *Writer) UpsertAssignments(ctx context.Context, assignments []domain.Assignment) (Result, error) {
	if len(assignments) > MaxBatchSize {
		return Result{}, experrors.New(experrors.Validation, fmt.Sprintf("batch of %d exceeds max %d", len(assignments), MaxBatchSize))
	}
	for _, a := range assignments {
		if a.Source != domain.SourceOverride && a.Source != domain.SourceForced {
			return Result{}, experrors.New(experrors.Validation, fmt.Sprintf(
				"assignment for experiment %d user %s must have source override or forced to bulk-write", a.ExperimentID, a.UserID,
			))
		}
	}

	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return Result{}, experrors.Wrap(experrors.Unavailable, "beginning bulk assignment transaction", err)
	}
	defer tx.Rollback()

	for _, a := range assignments {
		if _, err := tx.NamedExecContext(ctx, upsertAssignmentOverrideSQL, a); err != nil {
			return Result{Failures: singleFailure(fmt.Sprintf("batch of %d assignments rolled back: %v", len(assignments), err))}, nil
		}
	}

	if err := tx.Commit(); err != nil {
		return Result{}, experrors.Wrap(experrors.Unavailable, "committing bulk assignment transaction", err)
	}
	return Result{Succeeded: len(assignments)}, nil
}

// AssignmentPatch carries the fields update_bulk may change on every
// assignment in an id set; nil fields are left alone. Only the
// administrative sources may be written, the same guard UpsertAssignments
// applies: a bulk patch is an override, never a re-hash.
type AssignmentPatch struct {
	VariantID *int64                   `json:"variant_id"`
	Version   *int64                   `json:"version"`
	Source    *domain.AssignmentSource `json:"source"`
}

const updateAssignmentsSQL = `
UPDATE assignments SET
  variant_id = coalesce($2, variant_id),
  version = coalesce($3, version),
  source = coalesce($4, source)
WHERE id = ANY($1)
`

// UpdateAssignments applies one patch to every assignment in ids as a
// single statement.
func (w *Writer) UpdateAssignments(ctx context.Context, ids []int64, patch AssignmentPatch) (Result, error) {
	if len(ids) == 0 {
		return Result{}, nil
	}
	if len(ids) > MaxBatchSize {
		return Result{}, experrors.New(experrors.Validation, fmt.Sprintf("batch of %d exceeds max %d", len(ids), MaxBatchSize))
	}
	if patch.Source != nil && *patch.Source != domain.SourceOverride && *patch.Source != domain.SourceForced {
		return Result{}, experrors.New(experrors.Validation, "assignment patch source must be override or forced")
	}

	res, err := w.db.ExecContext(ctx, updateAssignmentsSQL, pq.Array(ids),
		patch.VariantID, patch.Version, patch.Source)
	if err != nil {
		return Result{Failures: singleFailure(fmt.Sprintf("batch of %d assignments rolled back: %v", len(ids), err))}, nil
	}
	affected, _ := res.RowsAffected()
	return Result{Succeeded: int(affected)}, nil
}

// EventPatch carries the fields update_bulk may change on every event in
// an id set; nil fields are left alone. Timestamps, ids, and the
// denormalized assignment columns are immutable, so reclassification
// (event_type) and property fixups are all a bulk edit can do.
type EventPatch struct {
	EventType  *string          `json:"event_type"`
	Properties *json.RawMessage `json:"properties"`
}

const updateEventsSQL = `
UPDATE events SET
  event_type = coalesce($2, event_type),
  properties = coalesce($3, properties)
WHERE id = ANY($1)
`

// UpdateEvents applies one patch to every event in ids as a single
// statement.
func (w *Writer) UpdateEvents(ctx context.Context, ids []string, patch EventPatch) (Result, error) {
	if len(ids) == 0 {
		return Result{}, nil
	}
	if len(ids) > MaxBatchSize {
		return Result{}, experrors.New(experrors.Validation, fmt.Sprintf("batch of %d exceeds max %d", len(ids), MaxBatchSize))
	}

	res, err := w.db.ExecContext(ctx, updateEventsSQL, pq.Array(ids),
		patch.EventType, patch.Properties)
	if err != nil {
		return Result{Failures: singleFailure(fmt.Sprintf("batch of %d events rolled back: %v", len(ids), err))}, nil
	}
	affected, _ := res.RowsAffected()
	return Result{Succeeded: int(affected)}, nil
}

// DeleteAssignments removes assignments by surrogate id as a single
// statement, used by the administrative delete_bulk(ids) operation spec
// for Assignments.
func (w *Writer) DeleteAssignments(ctx context.Context, ids []int64) (Result, error) {
	return w.deleteByIDs(ctx, "assignments", ids)
}

// DeleteEvents removes events by their UUID id as a single statement, the
// set-oriented delete for Events. Callers are
// responsible for any retention/export ordering (internal/partition); this
// is a direct administrative delete, not retention cleanup.
func (w *Writer) DeleteEvents(ctx context.Context, ids []string) (Result, error) {
	return w.deleteByIDs(ctx, "events", ids)
}

func (w *Writer) deleteByIDs(ctx context.Context, table string, ids interface{}) (Result, error) {
	var count int
	switch v := ids.(type) {
	case []int64:
		count = len(v)
	case []string:
		count = len(v)
	}
	if count == 0 {
		return Result{}, nil
	}
	if count > MaxBatchSize {
		return Result{}, experrors.New(experrors.Validation, fmt.Sprintf("batch of %d exceeds max %d", count, MaxBatchSize))
	}

	res, err := w.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", table), pq.Array(ids))
	if err != nil {
		return Result{Failures: singleFailure(fmt.Sprintf("batch of %d %s rolled back: %v", count, table, err))}, nil
	}
	affected, _ := res.RowsAffected()
	return Result{Succeeded: int(affected)}, nil
}
