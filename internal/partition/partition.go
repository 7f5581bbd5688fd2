// Package partition implements the partition manager: creating the
// monthly range partitions the events table is split into ahead of time,
// and enforcing that a partition is never dropped until every outbox row
// describing rows in it has been acknowledged ("export before drop"
// guard), so retention cleanup can never race ahead of the publisher.
package partition

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	experrors "github.com/exp-platform/core/internal/errors"
	"github.com/exp-platform/core/internal/log"
)

// Manager creates and retires monthly partitions of the events table.
type Manager struct {
	db *sqlx.DB
}

// NewManager wraps an open pool.
func NewManager(db *sqlx.DB) *Manager {
	return &Manager{db: db}
}

// partitionName returns the events_YYYY_MM identifier for month.
func partitionName(month time.Time) string {
	return fmt.Sprintf("events_%04d_%02d", month.Year(), month.Month())
}

// EnsureMonth creates the partition covering month if it doesn't already
// exist, idempotently (CREATE TABLE IF NOT EXISTS). Called ahead of the
// month it covers so no insert into events ever lacks a target partition.
func (m *Manager) EnsureMonth(ctx context.Context, month time.Time) error {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	name := partitionName(start)

	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF events FOR VALUES FROM ('%s') TO ('%s')`,
		name, start.Format("2006-01-02"), end.Format("2006-01-02"),
	)
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		return experrors.Wrap(experrors.Unavailable, "creating partition "+name, err)
	}
	return nil
}

const countUnacknowledgedOutboxForEventsSQL = `
SELECT count(*) FROM outbox
WHERE aggregate_type = 'event' AND processed_at IS NULL
  AND aggregate_id IN (SELECT id::text FROM events WHERE timestamp >= $1 AND timestamp < $2)
`

// DropMonth drops the partition covering month, refusing to do so while
// any outbox row describing an event in that range is still unprocessed.
func (m *Manager) DropMonth(ctx context.Context, month time.Time) error {
	start := time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	name := partitionName(start)

	var pending int64
	if err := m.db.GetContext(ctx, &pending, countUnacknowledgedOutboxForEventsSQL, start, end); err != nil {
		return experrors.Wrap(experrors.Unavailable, "checking unacknowledged outbox rows for "+name, err)
	}
	if pending > 0 {
		return experrors.New(experrors.PreconditionFailed, fmt.Sprintf(
			"partition %s has %d unacknowledged outbox rows; refusing to drop", name, pending,
		))
	}

	if _, err := m.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
		return experrors.Wrap(experrors.Unavailable, "dropping partition "+name, err)
	}
	return nil
}

// RetentionMonths is how many months of partitions this service keeps by
// default before DropMonth is eligible to be called on the oldest one. Three
// whole calendar months back from the start of the current month keep
// between 89 and 92 days of history before that month starts, so the
// 90-day default retention window is covered on every day except the first
// day of May in a non-leap year (February to April total 89 days).
const RetentionMonths = 3

const listPartitionsSQL = `
SELECT child.relname
FROM pg_inherits
JOIN pg_class parent ON pg_inherits.inhparent = parent.oid
JOIN pg_class child ON pg_inherits.inhrelid = child.oid
WHERE parent.relname = 'events'
ORDER BY child.relname
`

// ListPartitions returns every existing monthly partition of events, oldest
// first, by reading Postgres's own inheritance catalog rather than tracking
// partition names separately.
func (m *Manager) ListPartitions(ctx context.Context) ([]string, error) {
	var names []string
	if err := m.db.SelectContext(ctx, &names, listPartitionsSQL); err != nil {
		return nil, experrors.Wrap(experrors.Unavailable, "listing partitions", err)
	}
	return names, nil
}

// Retain drops every monthly partition older than RetentionMonths months
// before asOf, stopping at (and reporting) the first one it refuses to drop
// rather than skipping past it, so an operator sees exactly where retention
// cleanup is stalled on an unacknowledged outbox row.
func (m *Manager) Retain(ctx context.Context, asOf time.Time) error {
	cutoff := time.Date(asOf.Year(), asOf.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -RetentionMonths, 0)

	names, err := m.ListPartitions(ctx)
	if err != nil {
		return err
	}

	for _, name := range names {
		month, ok := parsePartitionMonth(name)
		if !ok || !month.Before(cutoff) {
			continue
		}
		if err := m.DropMonth(ctx, month); err != nil {
			return err
		}
	}
	return nil
}

// parsePartitionMonth recovers the month a partitionName-formatted
// identifier covers.
func parsePartitionMonth(name string) (time.Time, bool) {
	var year, month int
	if n, err := fmt.Sscanf(name, "events_%04d_%02d", &year, &month); err != nil || n != 2 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), true
}

// Run ensures the current month's partition and the next three monthly
// partitions exist and retires anything past RetentionMonths, once
// immediately and then on every tick of
// interval, until ctx is canceled. A Retain failure (most often refusing
// a drop) is logged and retried on the next tick rather than stopping the
// loop, since the publisher it's waiting on may catch up by then.
func (m *Manager) Run(ctx context.Context, interval time.Duration, logger log.Wrapper) {
	tick := func() {
		now := time.Now().UTC()
		for i := 0; i <= 3; i++ {
			month := time.Date(now.Year(), now.Month()+time.Month(i), 1, 0, 0, 0, 0, time.UTC)
			if err := m.EnsureMonth(ctx, month); err != nil {
				logger.Log(ctx, "partition manager: ensuring "+partitionName(month)+": "+err.Error())
			}
		}
		if err := m.Retain(ctx, now); err != nil {
			logger.Log(ctx, "partition manager: retention pass: "+err.Error())
		}
	}

	tick()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}
