package assignment

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/exp-platform/core/domain"
	experrors "github.com/exp-platform/core/internal/errors"
	"github.com/exp-platform/core/internal/hasher"
	"github.com/exp-platform/core/internal/outbox"
)

func nowUTC() time.Time { return time.Now().UTC() }

// Service is the orchestration layer the HTTP surface and event ingestion
// call into: cache-coherent read, falling through to a hashed, transactionally
// outboxed write on a cache/store miss.
type Service struct {
	db     *sqlx.DB
	store  *Store
	cache  *Cache
	hasher hasher.Hasher
}

// NewService wires the assignment store, its cache, and the hasher together.
func NewService(db *sqlx.DB, store *Store, cache *Cache, h hasher.Hasher) *Service {
	return &Service{db: db, store: store, cache: cache, hasher: h}
}

// Assign returns the sticky variant for (experiment, userID) without
// enrolling it. It is a thin wrapper over GetOrAssign for callers that have
// no enrollment opinion.
func (s *Service) Assign(ctx context.Context, experiment *domain.Experiment, userID string) (domain.Assignment, error) {
	return s.GetOrAssign(ctx, experiment, userID, false)
}

// GetOrAssign implements the C2 get_or_assign(experiment_id, user_id, enroll)
// contract: a cache hit with enroll=true and a null
// enrolled_at proceeds to enrollment instead of returning the stale cached
// row; everything else follows the cache -> store -> hash -> create path,
// creating and transactionally outboxing a new assignment only on a
// genuine first-time miss.
func (s *Service) GetOrAssign(ctx context.Context, experiment *domain.Experiment, userID string, enroll bool) (domain.Assignment, error) {
	if a, ok := s.cache.Get(ctx, experiment.ID, userID); ok {
		if enroll && a.EnrolledAt == nil {
			return s.Enroll(ctx, experiment.ID, userID)
		}
		return a, nil
	}

	a, err := s.store.Get(ctx, experiment.ID, userID)
	switch {
	case err == nil:
		// fall through to the shared enroll-then-cache tail below
	case experrors.KindOf(err) == experrors.NotFound:
		// Only a new assignment needs an active experiment; a stored one
		// stays readable while the experiment is paused.
		if !experiment.IsActive(nowUTC()) {
			return domain.Assignment{}, experrors.New(experrors.PreconditionFailed, "experiment is not active")
		}
		variant, verr := s.hasher.AssignVariant(experiment, userID, experiment.Variants)
		if verr != nil {
			return domain.Assignment{}, experrors.Wrap(experrors.Internal, "computing variant", verr)
		}
		a, err = s.createWithOutbox(ctx, experiment, variant, userID, domain.SourceHash)
		if err != nil {
			return domain.Assignment{}, err
		}
	default:
		return domain.Assignment{}, err
	}

	if enroll && a.EnrolledAt == nil {
		a, err = s.Enroll(ctx, experiment.ID, userID)
		if err != nil {
			return domain.Assignment{}, err
		}
		return a, nil
	}

	_ = s.cache.Set(ctx, a)
	return a, nil
}

// createWithOutbox performs the INSERT ... RETURNING for the assignment and
// the matching outbox row in one transaction (an outbox
// record and the domain row it describes are never written independently).
func (s *Service) createWithOutbox(ctx context.Context, experiment *domain.Experiment, variant domain.Variant, userID string, source domain.AssignmentSource) (domain.Assignment, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, experrors.Wrap(experrors.Unavailable, "beginning assignment transaction", err)
	}
	defer tx.Rollback()

	a, created, err := txGetOrCreate(ctx, tx, experiment, variant, userID, source)
	if err != nil {
		return domain.Assignment{}, err
	}

	// A lost race means no domain write happened here, so no outbox row
	// either; the winner's transaction already recorded one.
	if created {
		if err := outbox.WriteAssignmentCreated(ctx, tx, a); err != nil {
			return domain.Assignment{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, experrors.Wrap(experrors.Unavailable, "committing assignment transaction", err)
	}
	return a, nil
}

// txGetOrCreate upserts within tx and reports whether this transaction
// actually created the row (ON CONFLICT DO NOTHING returns no row for the
// loser, which then re-reads the winner's).
func txGetOrCreate(ctx context.Context, tx *sqlx.Tx, experiment *domain.Experiment, variant domain.Variant, userID string, source domain.AssignmentSource) (domain.Assignment, bool, error) {
	var a domain.Assignment
	err := tx.GetContext(ctx, &a, insertAssignmentSQL, experiment.ID, userID, variant.ID, experiment.Version, source)
	if err == nil {
		return a, true, nil
	}
	if err != sql.ErrNoRows {
		return domain.Assignment{}, false, experrors.Wrap(experrors.Unavailable, "inserting assignment in transaction", err)
	}
	if err := tx.GetContext(ctx, &a, selectAssignmentSQL, experiment.ID, userID); err != nil {
		return domain.Assignment{}, false, experrors.Wrap(experrors.Internal, "re-reading assignment in transaction", err)
	}
	return a, false, nil
}

// GetBulk resolves one user's assignments across many experiments in three
// set-oriented steps: a single cache MGET, one store round trip for the
// misses, then one transaction creating (and outboxing) assignments for
// experiments the user has never been hashed into. Experiments that are
// not Active and have no existing assignment are simply absent from the
// result; bulk callers asked for a snapshot, not an error per id.
func (s *Service) GetBulk(ctx context.Context, experiments []*domain.Experiment, userID string) (map[int64]domain.Assignment, error) {
	byID := make(map[int64]*domain.Experiment, len(experiments))
	ids := make([]int64, 0, len(experiments))
	for _, e := range experiments {
		byID[e.ID] = e
		ids = append(ids, e.ID)
	}

	out := s.cache.BulkGetExperiments(ctx, ids, userID)

	var missing []int64
	for _, id := range ids {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	stored, err := s.store.BulkGetForUser(ctx, userID, missing)
	if err != nil {
		return nil, err
	}

	var toCreate []*domain.Experiment
	for _, id := range missing {
		if a, ok := stored[id]; ok {
			out[id] = a
			_ = s.cache.Set(ctx, a)
			continue
		}
		if e := byID[id]; e.IsActive(nowUTC()) {
			toCreate = append(toCreate, e)
		}
	}
	if len(toCreate) == 0 {
		return out, nil
	}

	created, err := s.createBulkWithOutbox(ctx, toCreate, userID)
	if err != nil {
		return nil, err
	}
	for id, a := range created {
		out[id] = a
		_ = s.cache.Set(ctx, a)
	}
	return out, nil
}

// createBulkWithOutbox hashes and inserts first-time assignments for every
// given experiment in one transaction, with their outbox rows. All-or-
// nothing: a failed insert rolls back every sibling.
func (s *Service) createBulkWithOutbox(ctx context.Context, experiments []*domain.Experiment, userID string) (map[int64]domain.Assignment, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, experrors.Wrap(experrors.Unavailable, "beginning bulk assignment transaction", err)
	}
	defer tx.Rollback()

	out := make(map[int64]domain.Assignment, len(experiments))
	for _, e := range experiments {
		variant, verr := s.hasher.AssignVariant(e, userID, e.Variants)
		if verr != nil {
			return nil, experrors.Wrap(experrors.Internal, "computing variant", verr)
		}
		a, created, err := txGetOrCreate(ctx, tx, e, variant, userID, domain.SourceHash)
		if err != nil {
			return nil, err
		}
		if created {
			if err := outbox.WriteAssignmentCreated(ctx, tx, a); err != nil {
				return nil, err
			}
		}
		out[e.ID] = a
	}

	if err := tx.Commit(); err != nil {
		return nil, experrors.Wrap(experrors.Unavailable, "committing bulk assignment transaction", err)
	}
	return out, nil
}

// Enroll marks an assignment enrolled, invalidating the cache so the next
// read reflects it immediately.
func (s *Service) Enroll(ctx context.Context, experimentID int64, userID string) (domain.Assignment, error) {
	a, err := s.store.Enroll(ctx, experimentID, userID)
	if err != nil {
		return domain.Assignment{}, err
	}
	_ = s.cache.Invalidate(ctx, experimentID, userID)
	return a, nil
}
