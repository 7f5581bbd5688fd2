package assignment_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exp-platform/core/domain"
	"github.com/exp-platform/core/internal/assignment"
	"github.com/exp-platform/core/internal/hasher"
)

// serviceFixture bundles a Service with the test doubles backing it, so
// individual tests can set SQL expectations and prime the cache directly.
type serviceFixture struct {
	svc   *assignment.Service
	mock  sqlmock.Sqlmock
	cache *assignment.Cache
	mr    *miniredis.Miniredis
}

func setupService(t *testing.T) serviceFixture {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := assignment.NewStore(sqlxDB)
	cache := assignment.NewCache(redisClient, time.Minute)
	h := hasher.New(10000, "default")
	svc := assignment.NewService(sqlxDB, store, cache, h)

	return serviceFixture{svc: svc, mock: mock, cache: cache, mr: mr}
}

func activeExperiment() *domain.Experiment {
	return &domain.Experiment{
		ID:      1,
		Key:     "checkout-button-color",
		Status:  domain.StatusActive,
		Seed:    "checkout-button-color",
		Version: 1,
		Variants: []domain.Variant{
			{ID: 1, Key: "control", IsControl: true, AllocationPct: 50},
			{ID: 2, Key: "treatment", AllocationPct: 50},
		},
	}
}

var assignmentColumns = []string{"id", "experiment_id", "user_id", "variant_id", "version", "source", "assigned_at", "enrolled_at"}

func TestGetOrAssignCreatesOnFirstMiss(t *testing.T) {
	f := setupService(t)
	exp := activeExperiment()

	f.mock.ExpectQuery(`SELECT id, experiment_id, user_id, variant_id, version, source, assigned_at, enrolled_at\s+FROM assignments`).
		WithArgs(exp.ID, "user-1").
		WillReturnError(sql.ErrNoRows)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`INSERT INTO assignments`).
		WithArgs(exp.ID, "user-1", sqlmock.AnyArg(), exp.Version, domain.SourceHash).
		WillReturnRows(sqlmock.NewRows(assignmentColumns).
			AddRow(int64(10), exp.ID, "user-1", int64(1), exp.Version, string(domain.SourceHash), time.Now(), nil))
	f.mock.ExpectExec(`INSERT INTO outbox`).WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectCommit()

	a, err := f.svc.GetOrAssign(context.Background(), exp, "user-1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(10), a.ID)
	assert.Equal(t, domain.SourceHash, a.Source)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetOrAssignReturnsExistingStoreHitWithoutCreating(t *testing.T) {
	f := setupService(t)
	exp := activeExperiment()
	assignedAt := time.Now().UTC()

	f.mock.ExpectQuery(`SELECT id, experiment_id, user_id, variant_id, version, source, assigned_at, enrolled_at\s+FROM assignments`).
		WithArgs(exp.ID, "user-2").
		WillReturnRows(sqlmock.NewRows(assignmentColumns).
			AddRow(int64(11), exp.ID, "user-2", int64(2), exp.Version, string(domain.SourceHash), assignedAt, nil))

	a, err := f.svc.GetOrAssign(context.Background(), exp, "user-2", false)
	require.NoError(t, err)
	assert.Equal(t, int64(11), a.ID)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetOrAssignRejectsInactiveExperimentOnMiss(t *testing.T) {
	f := setupService(t)
	exp := activeExperiment()
	exp.Status = domain.StatusPaused

	f.mock.ExpectQuery(`SELECT id, experiment_id, user_id, variant_id, version, source, assigned_at, enrolled_at\s+FROM assignments\s+WHERE experiment_id = \$1 AND user_id = \$2`).
		WithArgs(exp.ID, "user-3").
		WillReturnError(sql.ErrNoRows)

	a, err := f.svc.GetOrAssign(context.Background(), exp, "user-3", false)
	assert.Error(t, err)
	assert.Equal(t, domain.Assignment{}, a)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetOrAssignCacheHitWithEnrollPendingTriggersEnroll(t *testing.T) {
	f := setupService(t)
	exp := activeExperiment()

	cached := domain.Assignment{
		ID: 12, ExperimentID: exp.ID, UserID: "user-4", VariantID: 1,
		Version: exp.Version, Source: domain.SourceHash, AssignedAt: time.Now().UTC(),
	}
	require.NoError(t, f.cache.Set(context.Background(), cached))

	// Enrollment is a domain write, so it runs in a transaction that also
	// records the assignment.enrolled outbox row.
	enrolledAt := time.Now().UTC()
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`UPDATE assignments SET enrolled_at = now\(\)`).
		WithArgs(exp.ID, "user-4").
		WillReturnRows(sqlmock.NewRows(assignmentColumns).
			AddRow(cached.ID, exp.ID, "user-4", cached.VariantID, exp.Version, string(domain.SourceHash), cached.AssignedAt, enrolledAt))
	f.mock.ExpectExec(`INSERT INTO outbox`).
		WithArgs(domain.AggregateAssignment, sqlmock.AnyArg(), domain.EventAssignmentEnrolled, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectCommit()

	a, err := f.svc.GetOrAssign(context.Background(), exp, "user-4", true)
	require.NoError(t, err)
	require.NotNil(t, a.EnrolledAt)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestEnrollAlreadyEnrolledWritesNoOutboxRow(t *testing.T) {
	f := setupService(t)
	exp := activeExperiment()
	enrolledAt := time.Now().UTC()

	// The guarded UPDATE matches nothing, so the transaction rolls back and
	// the current row is re-read outside it; no outbox INSERT is expected.
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`UPDATE assignments SET enrolled_at = now\(\)`).
		WithArgs(exp.ID, "user-9").
		WillReturnError(sql.ErrNoRows)
	f.mock.ExpectRollback()
	f.mock.ExpectQuery(`SELECT id, experiment_id, user_id, variant_id, version, source, assigned_at, enrolled_at\s+FROM assignments\s+WHERE experiment_id = \$1 AND user_id = \$2`).
		WithArgs(exp.ID, "user-9").
		WillReturnRows(sqlmock.NewRows(assignmentColumns).
			AddRow(int64(14), exp.ID, "user-9", int64(1), exp.Version, string(domain.SourceHash), enrolledAt.Add(-time.Hour), enrolledAt))

	a, err := f.svc.Enroll(context.Background(), exp.ID, "user-9")
	require.NoError(t, err)
	require.NotNil(t, a.EnrolledAt)
	assert.Equal(t, enrolledAt.Unix(), a.EnrolledAt.Unix())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetOrAssignCacheHitAlreadyEnrolledReturnsCachedRowDirectly(t *testing.T) {
	f := setupService(t)
	exp := activeExperiment()

	enrolledAt := time.Now().UTC()
	cached := domain.Assignment{
		ID: 13, ExperimentID: exp.ID, UserID: "user-5", VariantID: 2,
		Version: exp.Version, Source: domain.SourceHash,
		AssignedAt: time.Now().UTC(), EnrolledAt: &enrolledAt,
	}
	require.NoError(t, f.cache.Set(context.Background(), cached))

	a, err := f.svc.GetOrAssign(context.Background(), exp, "user-5", true)
	require.NoError(t, err)
	assert.Equal(t, cached.ID, a.ID)
	// No SQL expectations were set at all: a cache hit that is already
	// enrolled must never touch the database.
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func pausedExperiment(id int64) *domain.Experiment {
	e := activeExperiment()
	e.ID = id
	e.Status = domain.StatusPaused
	return e
}

func TestGetBulkServesCachedStoredAndFreshAssignmentsTogether(t *testing.T) {
	f := setupService(t)
	cachedExp := activeExperiment()
	storedExp := activeExperiment()
	storedExp.ID = 2
	freshExp := activeExperiment()
	freshExp.ID = 3

	cached := domain.Assignment{
		ID: 20, ExperimentID: cachedExp.ID, UserID: "user-6", VariantID: 1,
		Version: cachedExp.Version, Source: domain.SourceHash, AssignedAt: time.Now().UTC(),
	}
	require.NoError(t, f.cache.Set(context.Background(), cached))

	// One round trip for the two cache misses; only experiment 2 has a row.
	f.mock.ExpectQuery(`SELECT id, experiment_id, user_id, variant_id, version, source, assigned_at, enrolled_at\s+FROM assignments WHERE user_id = \$1 AND experiment_id IN \(\$2, \$3\)`).
		WithArgs("user-6", int64(2), int64(3)).
		WillReturnRows(sqlmock.NewRows(assignmentColumns).
			AddRow(int64(21), storedExp.ID, "user-6", int64(2), storedExp.Version, string(domain.SourceHash), time.Now(), nil))

	// Experiment 3 is a first-time assignment: one transaction, insert plus
	// outbox row.
	f.mock.ExpectBegin()
	f.mock.ExpectQuery(`INSERT INTO assignments`).
		WithArgs(freshExp.ID, "user-6", sqlmock.AnyArg(), freshExp.Version, domain.SourceHash).
		WillReturnRows(sqlmock.NewRows(assignmentColumns).
			AddRow(int64(22), freshExp.ID, "user-6", int64(1), freshExp.Version, string(domain.SourceHash), time.Now(), nil))
	f.mock.ExpectExec(`INSERT INTO outbox`).WillReturnResult(sqlmock.NewResult(1, 1))
	f.mock.ExpectCommit()

	got, err := f.svc.GetBulk(context.Background(),
		[]*domain.Experiment{cachedExp, storedExp, freshExp}, "user-6")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(20), got[1].ID)
	assert.Equal(t, int64(21), got[2].ID)
	assert.Equal(t, int64(22), got[3].ID)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetBulkSkipsInactiveExperimentsWithNoExistingAssignment(t *testing.T) {
	f := setupService(t)
	paused := pausedExperiment(7)

	f.mock.ExpectQuery(`SELECT id, experiment_id, user_id, variant_id, version, source, assigned_at, enrolled_at\s+FROM assignments WHERE user_id = \$1 AND experiment_id IN \(\$2\)`).
		WithArgs("user-7", int64(7)).
		WillReturnRows(sqlmock.NewRows(assignmentColumns))

	got, err := f.svc.GetBulk(context.Background(), []*domain.Experiment{paused}, "user-7")
	require.NoError(t, err)
	assert.Empty(t, got, "a paused experiment must not produce a first-time assignment")
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestGetBulkReturnsExistingAssignmentOnAPausedExperiment(t *testing.T) {
	f := setupService(t)
	paused := pausedExperiment(8)

	f.mock.ExpectQuery(`SELECT id, experiment_id, user_id, variant_id, version, source, assigned_at, enrolled_at\s+FROM assignments WHERE user_id = \$1 AND experiment_id IN \(\$2\)`).
		WithArgs("user-8", int64(8)).
		WillReturnRows(sqlmock.NewRows(assignmentColumns).
			AddRow(int64(30), paused.ID, "user-8", int64(1), paused.Version, string(domain.SourceHash), time.Now(), nil))

	got, err := f.svc.GetBulk(context.Background(), []*domain.Experiment{paused}, "user-8")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(30), got[8].ID)
	require.NoError(t, f.mock.ExpectationsWereMet())
}
