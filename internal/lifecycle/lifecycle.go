// Package lifecycle implements the experiment lifecycle: the
// Draft->Active->Paused->Archived state machine, the version bump that
// happens on every status transition (so caches and stored assignments can
// tell a stale configuration from a current one; internal/bulk bumps the
// version on variant upserts), and the cache invalidation that must follow
// a transition.
package lifecycle

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/exp-platform/core/domain"
	experrors "github.com/exp-platform/core/internal/errors"
)

// allowedTransitions enumerates every legal (from, to) pair. Any transition
// not listed here is rejected.
var allowedTransitions = map[domain.ExperimentStatus][]domain.ExperimentStatus{
	domain.StatusDraft:    {domain.StatusActive, domain.StatusArchived},
	domain.StatusActive:   {domain.StatusPaused, domain.StatusArchived},
	domain.StatusPaused:   {domain.StatusActive, domain.StatusArchived},
	domain.StatusArchived: {},
}

func isAllowed(from, to domain.ExperimentStatus) bool {
	for _, candidate := range allowedTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// Invalidator is implemented by internal/assignment.Cache; lifecycle
// depends on the narrow interface rather than the concrete cache so it
// doesn't need to know about Redis.
type Invalidator interface {
	InvalidateExperiment(ctx context.Context, experimentID int64) error
}

// Manager drives experiment state transitions.
type Manager struct {
	db    *sqlx.DB
	cache Invalidator
}

// NewManager wraps an open pool. cache may be nil (invalidation becomes a
// no-op), matching the rest of this repository's "cache outage is never
// fatal" posture.
func NewManager(db *sqlx.DB, cache Invalidator) *Manager {
	return &Manager{db: db, cache: cache}
}

const selectExperimentForUpdateSQL = `SELECT id, status, version FROM experiments WHERE id = $1 FOR UPDATE`
const updateExperimentStatusSQL = `UPDATE experiments SET status = $1, version = version + 1, updated_at = now() WHERE id = $2`

// Load reads an experiment and its variants, the shape internal/assignment
// and internal/ingest need to compute or resolve an assignment. Variants
// are returned sorted by id ascending, the order internal/hasher's
// cumulative-allocation walk requires.
func (m *Manager) Load(ctx context.Context, experimentID int64) (*domain.Experiment, error) {
	var e domain.Experiment
	if err := m.db.GetContext(ctx, &e, `SELECT * FROM experiments WHERE id = $1`, experimentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, experrors.New(experrors.NotFound, fmt.Sprintf("experiment %d not found", experimentID))
		}
		return nil, experrors.Wrap(experrors.Unavailable, "loading experiment", err)
	}
	if err := m.db.SelectContext(ctx, &e.Variants, `SELECT * FROM variants WHERE experiment_id = $1 ORDER BY id`, experimentID); err != nil {
		return nil, experrors.Wrap(experrors.Unavailable, "loading variants", err)
	}
	return &e, nil
}

// validateAllocations enforces the Draft/Paused -> Active entry condition
// before activation: allocations must sum to 100 (at a rounding tolerance) and
// exactly one variant must be marked control.
func validateAllocations(experimentID int64, variants []domain.Variant) error {
	if len(variants) == 0 {
		return experrors.New(experrors.Validation, fmt.Sprintf("experiment %d has no variants", experimentID))
	}
	var total float64
	var controls int
	for _, v := range variants {
		total += v.AllocationPct
		if v.IsControl {
			controls++
		}
	}
	if total < 99.99 || total > 100.01 {
		return experrors.New(experrors.Validation, fmt.Sprintf(
			"experiment %d variant allocations sum to %.2f, want 100", experimentID, total,
		))
	}
	if controls != 1 {
		return experrors.New(experrors.Validation, fmt.Sprintf(
			"experiment %d has %d control variants, want exactly 1", experimentID, controls,
		))
	}
	return nil
}

// Transition moves experiment experimentID from its current status to to,
// bumping its version and invalidating every cached assignment for the
// experiment (a version bump must never leave a stale cache
// entry readable). Concurrent transition attempts serialize on the row
// lock so two operators racing to pause/archive the same experiment can't
// both succeed against a status that only permits one of them. Requesting
// the experiment's current status back is a no-op (testable property:
// repeated activation of an already-Active experiment returns the current
// version unchanged) rather than a Conflict.
func (m *Manager) Transition(ctx context.Context, experimentID int64, to domain.ExperimentStatus) (domain.Experiment, error) {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Experiment{}, experrors.Wrap(experrors.Unavailable, "beginning transition transaction", err)
	}
	defer tx.Rollback()

	var current struct {
		ID      int64                   `db:"id"`
		Status  domain.ExperimentStatus `db:"status"`
		Version int64                   `db:"version"`
	}
	if err := tx.GetContext(ctx, &current, selectExperimentForUpdateSQL, experimentID); err != nil {
		if err == sql.ErrNoRows {
			return domain.Experiment{}, experrors.New(experrors.NotFound, fmt.Sprintf("experiment %d not found", experimentID))
		}
		return domain.Experiment{}, experrors.Wrap(experrors.Unavailable, "locking experiment for transition", err)
	}

	if current.Status == to {
		var existing domain.Experiment
		if err := tx.GetContext(ctx, &existing, `SELECT * FROM experiments WHERE id = $1`, experimentID); err != nil {
			return domain.Experiment{}, experrors.Wrap(experrors.Internal, "re-reading experiment", err)
		}
		return existing, tx.Commit()
	}

	if !isAllowed(current.Status, to) {
		return domain.Experiment{}, experrors.New(experrors.Conflict, fmt.Sprintf(
			"cannot transition experiment %d from %s to %s", experimentID, current.Status, to,
		))
	}

	if to == domain.StatusActive {
		var variants []domain.Variant
		if err := tx.SelectContext(ctx, &variants, `SELECT * FROM variants WHERE experiment_id = $1 ORDER BY id`, experimentID); err != nil {
			return domain.Experiment{}, experrors.Wrap(experrors.Unavailable, "loading variants for activation", err)
		}
		if err := validateAllocations(experimentID, variants); err != nil {
			return domain.Experiment{}, err
		}
	}

	if _, err := tx.ExecContext(ctx, updateExperimentStatusSQL, to, experimentID); err != nil {
		return domain.Experiment{}, experrors.Wrap(experrors.Unavailable, "updating experiment status", err)
	}

	var updated domain.Experiment
	if err := tx.GetContext(ctx, &updated, `SELECT * FROM experiments WHERE id = $1`, experimentID); err != nil {
		return domain.Experiment{}, experrors.Wrap(experrors.Internal, "re-reading transitioned experiment", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Experiment{}, experrors.Wrap(experrors.Unavailable, "committing transition transaction", err)
	}

	if m.cache != nil {
		if err := m.cache.InvalidateExperiment(ctx, experimentID); err != nil {
			return domain.Experiment{}, experrors.Wrap(experrors.Unavailable, "invalidating assignment cache", err)
		}
	}
	return updated, nil
}
