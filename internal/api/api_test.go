package api_test

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exp-platform/core/internal/api"
	"github.com/exp-platform/core/internal/assignment"
	"github.com/exp-platform/core/internal/auth"
	"github.com/exp-platform/core/internal/hasher"
	"github.com/exp-platform/core/internal/lifecycle"
	"github.com/exp-platform/core/internal/log"
)

func setupServer(t *testing.T) (*api.Server, sqlmock.Sqlmock, *miniredis.Miniredis) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := assignment.NewStore(sqlxDB)
	cache := assignment.NewCache(client, time.Minute)
	h := hasher.New(1000, "process-seed")
	svc := assignment.NewService(sqlxDB, store, cache, h)
	lifecycleMgr := lifecycle.NewManager(sqlxDB, cache)

	return &api.Server{
		Assignments: svc,
		Lifecycle:   lifecycleMgr,
		DB:          sqlxDB,
		Logger:      log.NopWrapper,
	}, mock, mr
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}, scopes string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Token-Id", "tok-1")
	if scopes != "" {
		req.Header.Set("X-Scopes", scopes)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRoutesRejectARequestMissingTheRequiredScope(t *testing.T) {
	s, _, _ := setupServer(t)
	rec := doRequest(t, s.Routes(), http.MethodPost, "/v1/assignments",
		map[string]interface{}{"experiment_id": 1, "user_id": "u1"}, auth.ScopeRead)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRoutesRejectARequestWithoutCredentials(t *testing.T) {
	s, _, _ := setupServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/assignments", bytes.NewBufferString("{}"))
	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleAssignCreatesAnAssignmentAfterLoadingTheExperiment(t *testing.T) {
	s, mock, _ := setupServer(t)

	experimentID := int64(1)
	startsAt := time.Now().UTC().Add(-time.Hour)

	mock.ExpectQuery(`SELECT \* FROM experiments WHERE id = \$1`).
		WithArgs(experimentID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "key", "name", "description", "status", "seed", "version",
			"starts_at", "ends_at", "config", "created_at", "updated_at",
		}).AddRow(experimentID, "exp-key", "Exp", "", "active", "seed", int64(1), startsAt, nil, nil, time.Now(), time.Now()))
	mock.ExpectQuery(`SELECT \* FROM variants WHERE experiment_id = \$1 ORDER BY id`).
		WithArgs(experimentID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "experiment_id", "key", "name", "allocation_pct", "is_control", "config", "created_at", "updated_at"}).
			AddRow(int64(10), experimentID, "control", "Control", 50.0, true, nil, time.Now(), time.Now()).
			AddRow(int64(11), experimentID, "treatment", "Treatment", 50.0, false, nil, time.Now(), time.Now()))

	// brand-new-user is a cache+store miss, so GetOrAssign falls through to
	// hashing a variant and writing it transactionally.
	mock.ExpectQuery(`SELECT id, experiment_id, user_id, variant_id, version, source, assigned_at, enrolled_at\s+FROM assignments\s+WHERE experiment_id = \$1 AND user_id = \$2`).
		WithArgs(experimentID, "brand-new-user").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO assignments`).
		WithArgs(experimentID, "brand-new-user", sqlmock.AnyArg(), int64(1), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "experiment_id", "user_id", "variant_id", "version", "source", "assigned_at", "enrolled_at"}).
			AddRow(int64(1), experimentID, "brand-new-user", int64(10), int64(1), "hash", time.Now(), nil))
	mock.ExpectExec(`INSERT INTO outbox`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	rec := doRequest(t, s.Routes(), http.MethodPost, "/v1/assignments",
		map[string]interface{}{"experiment_id": experimentID, "user_id": "brand-new-user"}, auth.ScopeAssign)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "brand-new-user", got["user_id"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleTransitionAppliesALifecycleTransitionAndReturnsIt(t *testing.T) {
	s, mock, _ := setupServer(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status, version FROM experiments WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "version"}).AddRow(int64(1), "paused", int64(2)))
	// Re-activation checks the variant allocations first.
	mock.ExpectQuery(`SELECT \* FROM variants WHERE experiment_id = \$1 ORDER BY id`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "experiment_id", "key", "name", "allocation_pct", "is_control", "config", "created_at", "updated_at"}).
			AddRow(int64(10), int64(1), "control", "Control", 50.0, true, nil, time.Now(), time.Now()).
			AddRow(int64(11), int64(1), "treatment", "Treatment", 50.0, false, nil, time.Now(), time.Now()))
	mock.ExpectExec(`UPDATE experiments SET status = \$1, version = version \+ 1`).
		WithArgs(sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT \* FROM experiments WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "key", "name", "description", "status", "seed", "version",
			"starts_at", "ends_at", "config", "created_at", "updated_at",
		}).AddRow(int64(1), "exp-key", "Exp", "", "active", "seed", int64(3), nil, nil, nil, time.Now(), time.Now()))
	mock.ExpectCommit()

	rec := doRequest(t, s.Routes(), http.MethodPost, "/v1/experiments/transition",
		map[string]interface{}{"experiment_id": 1, "to": "active"}, auth.ScopeLifecycle)

	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "active", got["status"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleTransitionSurfacesANotFoundExperimentAsHTTP404(t *testing.T) {
	s, mock, _ := setupServer(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status, version FROM experiments WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	rec := doRequest(t, s.Routes(), http.MethodPost, "/v1/experiments/transition",
		map[string]interface{}{"experiment_id": 99, "to": "active"}, auth.ScopeLifecycle)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithAuthEchoesRateLimitHeadersBackToTheCaller(t *testing.T) {
	s, mock, _ := setupServer(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, status, version FROM experiments WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "version"}).AddRow(int64(1), "paused", int64(2)))
	// Re-activation checks the variant allocations first.
	mock.ExpectQuery(`SELECT \* FROM variants WHERE experiment_id = \$1 ORDER BY id`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "experiment_id", "key", "name", "allocation_pct", "is_control", "config", "created_at", "updated_at"}).
			AddRow(int64(10), int64(1), "control", "Control", 50.0, true, nil, time.Now(), time.Now()).
			AddRow(int64(11), int64(1), "treatment", "Treatment", 50.0, false, nil, time.Now(), time.Now()))
	mock.ExpectExec(`UPDATE experiments SET status = \$1, version = version \+ 1`).
		WithArgs(sqlmock.AnyArg(), int64(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT \* FROM experiments WHERE id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "key", "name", "description", "status", "seed", "version",
			"starts_at", "ends_at", "config", "created_at", "updated_at",
		}).AddRow(int64(1), "exp-key", "Exp", "", "active", "seed", int64(3), nil, nil, nil, time.Now(), time.Now()))
	mock.ExpectCommit()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]interface{}{"experiment_id": 1, "to": "active"}))
	req := httptest.NewRequest(http.MethodPost, "/v1/experiments/transition", &buf)
	req.Header.Set("X-Token-Id", "tok-1")
	req.Header.Set("X-Scopes", auth.ScopeLifecycle)
	req.Header.Set("X-Rate-Limit-Limit", "100")
	req.Header.Set("X-Rate-Limit-Remaining", "99")
	req.Header.Set("X-Rate-Limit-Reset", "1700000000")

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, req)

	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
	require.NoError(t, mock.ExpectationsWereMet())
}
