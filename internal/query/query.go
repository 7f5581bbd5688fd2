// Package query implements the query router: deciding, for a metrics
// request over a time window, whether the operational row-store (recent,
// transactional) or the analytical column-store (historical, aggregated
// from the outbox stream into events_rollup) answers it, and caching the
// computed result under a version-aware key so an experiment activation or
// allocation edit invalidates it automatically rather than serving a stale
// comparison.
package query

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/exp-platform/core/internal/metrics"
)

// recentWindow: a query is answered from the
// operational store only if it starts within this long ago of now.
const recentWindow = time.Hour

// maxOperationalSpan is the other half of the routing rule: even a window
// that starts recently routes to the analytical store once it spans more
// than this, since a wide window is assumed to be a historical report
// rather than a live dashboard tile.
const maxOperationalSpan = 30 * 24 * time.Hour

// resultCacheTTL bounds how stale a served comparison can be.
const resultCacheTTL = 60 * time.Second

// Router answers metric queries against either path.
type Router struct {
	db    *sqlx.DB
	redis *redis.Client
}

// NewRouter wires a Router from an operational pool (used directly for the
// recent path, and for the always-queried assignments table) and the
// result cache client.
func NewRouter(db *sqlx.DB, redisClient *redis.Client) *Router {
	return &Router{db: db, redis: redisClient}
}

// Request describes one metric computation: a window [Start, End], the
// event type counted as a conversion, and the variant set to compare. Now
// is the routing reference point, supplied by the caller rather than
// computed internally so the routing decision is deterministic and
// reproducible in tests.
type Request struct {
	ExperimentID        int64     `json:"experiment_id"`
	ExperimentVersion   int64     `json:"experiment_version"`
	EventType           string    `json:"event_type"`
	ControlVariantID    int64     `json:"control_variant_id"`
	TreatmentVariantIDs []int64   `json:"treatment_variant_ids"`
	// MinSample excludes a variant's lift/significance when either side
	// has fewer unique users than this; raw counts are still reported.
	MinSample int64 `json:"min_sample"`
	// Confidence sets the Wilson interval level; outside (0, 1) the engine
	// falls back to its 95% default.
	Confidence float64   `json:"confidence"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Now        time.Time `json:"now"`
}

// Result is a computed comparison per treatment variant against control.
type Result struct {
	Source     string                       `json:"source"`
	Control    metrics.VariantCounts        `json:"control"`
	Treatments map[int64]metrics.Comparison `json:"treatments"`
}

const (
	sourceOperational = "operational"
	sourceAnalytical  = "analytical"
)

// isRecent is the routing predicate: now-start > recentWindow
// OR end-start > 30 days routes to the analytical store; otherwise the
// operational store answers directly.
func (r Request) isRecent() bool {
	now := r.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if now.Sub(r.Start) > recentWindow {
		return false
	}
	if r.End.Sub(r.Start) > maxOperationalSpan {
		return false
	}
	return true
}

func resultCacheKey(req Request) string {
	return fmt.Sprintf("query:v1:exp:%d:version:%d:event:%s:control:%d:minsample:%d:confidence:%g:start:%d:end:%d",
		req.ExperimentID, req.ExperimentVersion, req.EventType, req.ControlVariantID,
		req.MinSample, req.Confidence, req.Start.Unix(), req.End.Unix())
}

// Compute answers req, routing to the operational or analytical path per
// isRecent, and caches the result for resultCacheTTL. Both paths must
// produce equal conversion_rate for a window fully inside the operational
// retention range; the only difference between them is which table
// they read from.
func (r *Router) Compute(ctx context.Context, req Request) (Result, error) {
	if cached, ok := r.getCached(ctx, req); ok {
		return cached, nil
	}

	var result Result
	var err error
	if req.isRecent() {
		result, err = r.computeOperational(ctx, req)
	} else {
		result, err = r.computeAnalytical(ctx, req)
	}
	if err != nil {
		return Result{}, err
	}

	r.setCached(ctx, req, result)
	return result, nil
}

func (r *Router) getCached(ctx context.Context, req Request) (Result, bool) {
	if r.redis == nil {
		return Result{}, false
	}
	raw, err := r.redis.Get(ctx, resultCacheKey(req)).Bytes()
	if err != nil {
		return Result{}, false
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, false
	}
	return result, true
}

func (r *Router) setCached(ctx context.Context, req Request, result Result) {
	if r.redis == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	r.redis.Set(ctx, resultCacheKey(req), raw, resultCacheTTL)
}

// operationalCountsSQL answers directly from events: unique_users is the
// distinct users and conversions the row count among events of the
// requested type inside the window, both enforcing the post-assignment
// rule in the WHERE clause itself (timestamp >= assignment_at) using the
// column ingest denormalized onto every event row, rather than joining
// back to assignments.
const operationalCountsSQL = `
SELECT
  count(DISTINCT user_id) AS unique_users,
  count(*) AS conversions
FROM events
WHERE experiment_id = $1 AND variant_id = $2 AND event_type = $3
  AND timestamp >= $4 AND timestamp <= $5
  AND timestamp >= assignment_at
`

func (r *Router) computeOperational(ctx context.Context, req Request) (Result, error) {
	return r.compute(ctx, req, sourceOperational, func(variantID int64) (metrics.VariantCounts, error) {
		var row struct {
			UniqueUsers int64 `db:"unique_users"`
			Conversions int64 `db:"conversions"`
		}
		if err := r.db.GetContext(ctx, &row, operationalCountsSQL,
			req.ExperimentID, variantID, req.EventType, req.Start, req.End); err != nil {
			return metrics.VariantCounts{}, fmt.Errorf("query: operational counts: %w", err)
		}
		return metrics.VariantCounts{VariantID: variantID, UniqueUsers: row.UniqueUsers, Conversions: row.Conversions}, nil
	})
}

// analyticalCountsSQL answers from events_rollup, the day-grained
// aggregate the outbox-fed rollup job maintains, keyed by
// (experiment_id, variant_id, day, event_type). Rollup rows are already
// restricted to valid (post-assignment) events at aggregation time, so no
// assignment_at filter is needed here; event_count is the per-day row
// count of the requested event type, matching the operational path's
// count(*).
const analyticalCountsSQL = `
SELECT
  coalesce(sum(uniq_users_state), 0) AS unique_users,
  coalesce(sum(event_count), 0) AS conversions
FROM events_rollup
WHERE experiment_id = $1 AND variant_id = $2 AND event_type = $3
  AND day >= $4 AND day <= $5
`

func (r *Router) computeAnalytical(ctx context.Context, req Request) (Result, error) {
	return r.compute(ctx, req, sourceAnalytical, func(variantID int64) (metrics.VariantCounts, error) {
		var row struct {
			UniqueUsers int64 `db:"unique_users"`
			Conversions int64 `db:"conversions"`
		}
		if err := r.db.GetContext(ctx, &row, analyticalCountsSQL,
			req.ExperimentID, variantID, req.EventType, req.Start, req.End); err != nil {
			return metrics.VariantCounts{}, fmt.Errorf("query: analytical counts: %w", err)
		}
		return metrics.VariantCounts{VariantID: variantID, UniqueUsers: row.UniqueUsers, Conversions: row.Conversions}, nil
	})
}

func (r *Router) compute(ctx context.Context, req Request, source string, counts func(variantID int64) (metrics.VariantCounts, error)) (Result, error) {
	control, err := counts(req.ControlVariantID)
	if err != nil {
		return Result{}, err
	}

	treatments := make(map[int64]metrics.Comparison, len(req.TreatmentVariantIDs))
	for _, vid := range req.TreatmentVariantIDs {
		c, err := counts(vid)
		if err != nil {
			return Result{}, err
		}
		treatments[vid] = metrics.Compare(control, c, req.MinSample, req.Confidence)
	}
	return Result{Source: source, Control: control, Treatments: treatments}, nil
}
