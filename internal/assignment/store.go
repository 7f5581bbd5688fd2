// Package assignment implements the sticky assignment store and its
// read-through cache. The store upholds uniqueness on
// (experiment_id, user_id) with an upsert that never overwrites an existing
// row's variant (an assignment, once made, is immutable except for
// enrollment), expressed as plain parameterized SQL rather than DB-side
// procedures.
package assignment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/exp-platform/core/domain"
	experrors "github.com/exp-platform/core/internal/errors"
	"github.com/exp-platform/core/internal/outbox"
)

// Store is the Postgres-backed repository of record for assignments.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps an open pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const insertAssignmentSQL = `
INSERT INTO assignments (experiment_id, user_id, variant_id, version, source, assigned_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (experiment_id, user_id) DO NOTHING
RETURNING id, experiment_id, user_id, variant_id, version, source, assigned_at, enrolled_at
`

const selectAssignmentSQL = `
SELECT id, experiment_id, user_id, variant_id, version, source, assigned_at, enrolled_at
FROM assignments
WHERE experiment_id = $1 AND user_id = $2
`

// GetOrCreate returns the existing assignment for (experimentID, userID) if
// one exists, otherwise inserts variant as the new sticky assignment.
// Concurrent callers racing to create the first assignment for a user are
// resolved by ON CONFLICT DO NOTHING: the loser re-selects the winner's row,
// so both callers observe the same variant.
func (s *Store) GetOrCreate(ctx context.Context, experiment *domain.Experiment, variant domain.Variant, userID string, source domain.AssignmentSource) (domain.Assignment, error) {
	var a domain.Assignment
	err := s.db.GetContext(ctx, &a, insertAssignmentSQL,
		experiment.ID, userID, variant.ID, experiment.Version, source,
	)
	if err == nil {
		return a, nil
	}
	if err != sql.ErrNoRows {
		return domain.Assignment{}, experrors.Wrap(experrors.Unavailable, "inserting assignment", err)
	}

	// Someone else won the race (or the assignment already existed); re-read it.
	if err := s.db.GetContext(ctx, &a, selectAssignmentSQL, experiment.ID, userID); err != nil {
		return domain.Assignment{}, experrors.Wrap(experrors.Internal, "re-reading assignment after conflict", err)
	}
	return a, nil
}

// Get returns the existing assignment for (experimentID, userID), or a
// NotFound error if none exists yet.
func (s *Store) Get(ctx context.Context, experimentID int64, userID string) (domain.Assignment, error) {
	var a domain.Assignment
	err := s.db.GetContext(ctx, &a, selectAssignmentSQL, experimentID, userID)
	if err == sql.ErrNoRows {
		return domain.Assignment{}, experrors.New(experrors.NotFound, fmt.Sprintf("no assignment for experiment %d user %s", experimentID, userID))
	}
	if err != nil {
		return domain.Assignment{}, experrors.Wrap(experrors.Unavailable, "reading assignment", err)
	}
	return a, nil
}

const enrollAssignmentSQL = `
UPDATE assignments SET enrolled_at = now()
WHERE experiment_id = $1 AND user_id = $2 AND enrolled_at IS NULL
RETURNING id, experiment_id, user_id, variant_id, version, source, assigned_at, enrolled_at
`

// Enroll marks an existing assignment enrolled and writes the matching
// assignment.enrolled outbox row in the same transaction, mirroring how a
// first-time assignment co-commits with its assignment.created record.
// Idempotent: the UPDATE's enrolled_at IS NULL guard makes enrolling an
// already-enrolled assignment a no-op that returns the current row without
// a second outbox record, since no domain write happened.
func (s *Store) Enroll(ctx context.Context, experimentID int64, userID string) (domain.Assignment, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, experrors.Wrap(experrors.Unavailable, "beginning enrollment transaction", err)
	}
	defer tx.Rollback()

	var a domain.Assignment
	err = tx.GetContext(ctx, &a, enrollAssignmentSQL, experimentID, userID)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return s.Get(ctx, experimentID, userID)
	}
	if err != nil {
		return domain.Assignment{}, experrors.Wrap(experrors.Unavailable, "enrolling assignment", err)
	}

	if err := outbox.WriteAssignmentEnrolled(ctx, tx, a); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, experrors.Wrap(experrors.Unavailable, "committing enrollment transaction", err)
	}
	return a, nil
}

// BulkGet returns every existing assignment among the given user IDs for one
// experiment, keyed by user ID. Missing users are simply absent from the
// result rather than erroring, since "no assignment yet" is a normal state
// for the Bulk Writer's callers to handle.
func (s *Store) BulkGet(ctx context.Context, experimentID int64, userIDs []string) (map[string]domain.Assignment, error) {
	if len(userIDs) == 0 {
		return map[string]domain.Assignment{}, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, experiment_id, user_id, variant_id, version, source, assigned_at, enrolled_at
		FROM assignments WHERE experiment_id = ? AND user_id IN (?)
	`, experimentID, userIDs)
	if err != nil {
		return nil, experrors.Wrap(experrors.Internal, "building bulk assignment query", err)
	}
	query = s.db.Rebind(query)

	var rows []domain.Assignment
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, experrors.Wrap(experrors.Unavailable, "reading bulk assignments", err)
	}

	out := make(map[string]domain.Assignment, len(rows))
	for _, a := range rows {
		out[a.UserID] = a
	}
	return out, nil
}

// BulkGetForUser is BulkGet's transpose: every existing assignment for one
// user across the given experiments, keyed by experiment ID. Experiments
// the user has no assignment for are absent from the result.
func (s *Store) BulkGetForUser(ctx context.Context, userID string, experimentIDs []int64) (map[int64]domain.Assignment, error) {
	if len(experimentIDs) == 0 {
		return map[int64]domain.Assignment{}, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, experiment_id, user_id, variant_id, version, source, assigned_at, enrolled_at
		FROM assignments WHERE user_id = ? AND experiment_id IN (?)
	`, userID, experimentIDs)
	if err != nil {
		return nil, experrors.Wrap(experrors.Internal, "building bulk user assignment query", err)
	}
	query = s.db.Rebind(query)

	var rows []domain.Assignment
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, experrors.Wrap(experrors.Unavailable, "reading bulk user assignments", err)
	}

	out := make(map[int64]domain.Assignment, len(rows))
	for _, a := range rows {
		out[a.ExperimentID] = a
	}
	return out, nil
}

// CacheKey returns the cache key an Assignment for (experimentID, userID) is
// stored under, versioned ("assign:v1:exp:...")
// convention so a future incompatible cache payload change can bump the
// prefix without needing a flush.
func CacheKey(experimentID int64, userID string) string {
	return fmt.Sprintf("assign:v1:exp:%d:user:%s", experimentID, userID)
}

// DefaultCacheTTL is how long a cached assignment is trusted before the next
// read falls through to the store.
const DefaultCacheTTL = 7 * 24 * time.Hour
