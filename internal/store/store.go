// Package store opens and monitors the Postgres connection pool used by
// every domain repository in this service: it wraps the database/sql
// driver with instrumentedsql and reports pool stats as gauges. Rather
// than opentracing spans, queries are traced with plain structured logging
// since this service has no distributed tracer wired.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/luna-duclos/instrumentedsql"

	"github.com/exp-platform/core/internal/config"
	"github.com/exp-platform/core/internal/metricsbp"
	"github.com/exp-platform/core/internal/secrets"
	"github.com/exp-platform/core/internal/log"
)

// loggingTracer satisfies instrumentedsql.Tracer by emitting a log line per
// query span instead of starting an opentracing span, keeping the
// tracer shape (GetSpan/NewChild/SetLabel/SetError/Finish) without the
// tracing dependency.
type loggingTracer struct {
	prefix string
	logger log.Wrapper
}

type loggingSpan struct {
	tracer loggingTracer
	name   string
	start  time.Time
	err    error
}

func (t loggingTracer) GetSpan(ctx context.Context) instrumentedsql.Span {
	return &loggingSpan{tracer: t, name: t.prefix, start: time.Now()}
}

func (s *loggingSpan) NewChild(name string) instrumentedsql.Span {
	return &loggingSpan{tracer: s.tracer, name: s.tracer.prefix + name, start: time.Now()}
}

func (s *loggingSpan) SetLabel(k, v string) {}

func (s *loggingSpan) SetError(err error) {
	if err == nil || err == driver.ErrSkip {
		return
	}
	s.err = err
}

func (s *loggingSpan) Finish() {
	if s.err != nil {
		s.tracer.logger.Log(context.Background(), fmt.Sprintf(
			"store: query %s failed after %s: %v", s.name, time.Since(s.start), s.err,
		))
	}
}

// poolMetrics snapshots sql.DBStats, reported on a ticker against
// database/sql's own *sql.DBStats snapshot.
type poolMetrics struct {
	open, idle, inUse              prometheusGauge
	waitCount, maxIdleClosed        prometheusCounter
	maxIdleTimeClosed, maxLifetimeClosed prometheusCounter
	waitDuration                    prometheusHistogram
}

type prometheusGauge interface{ Set(float64) }
type prometheusCounter interface{ Add(float64) }
type prometheusHistogram interface{ Observe(float64) }

func newPoolMetrics(name string) poolMetrics {
	metric := func(suffix string) string { return "store." + name + ".pool." + suffix }
	return poolMetrics{
		open:                 metricsbp.M.RuntimeGauge(metric("open")),
		inUse:                metricsbp.M.RuntimeGauge(metric("in_use")),
		idle:                 metricsbp.M.RuntimeGauge(metric("idle")),
		waitCount:            metricsbp.M.Counter(metric("wait_count")),
		maxIdleClosed:        metricsbp.M.Counter(metric("max_idle_closed")),
		maxIdleTimeClosed:    metricsbp.M.Counter(metric("max_idle_time_closed")),
		maxLifetimeClosed:    metricsbp.M.Counter(metric("max_lifetime_closed")),
		waitDuration:         metricsbp.M.Histogram(metric("wait_duration_ms")),
	}
}

func collectPoolMetrics(ctx context.Context, name string, db *sqlx.DB) {
	metrics := newPoolMetrics(name)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			metrics.open.Set(float64(stats.OpenConnections))
			metrics.inUse.Set(float64(stats.InUse))
			metrics.idle.Set(float64(stats.Idle))
			metrics.waitCount.Add(float64(stats.WaitCount))
			metrics.maxIdleClosed.Add(float64(stats.MaxIdleClosed))
			metrics.maxIdleTimeClosed.Add(float64(stats.MaxIdleTimeClosed))
			metrics.maxLifetimeClosed.Add(float64(stats.MaxLifetimeClosed))
			metrics.waitDuration.Observe(float64(stats.WaitDuration.Milliseconds()))
		}
	}
}

var registeredDrivers = make(map[string]bool)

// wrapDriver registers (once per name) an instrumented lib/pq driver under a
// stable name.
func wrapDriver(name string, logger log.Wrapper) string {
	wrapped := "instrumented-postgres-" + name
	if registeredDrivers[wrapped] {
		return wrapped
	}
	sqlx.BindDriver(wrapped, sqlx.BindType("postgres"))
	sql.Register(wrapped, instrumentedsql.WrapDriver(
		&pq.Driver{},
		instrumentedsql.WithTracer(loggingTracer{prefix: name + ".", logger: logger}),
	))
	registeredDrivers[wrapped] = true
	return wrapped
}

// renderDSN substitutes {{username}} and {{password}} placeholders in
// cfg.DSNTemplate with the credential registered under cfg.DSNSecretKey.
func renderDSN(cfg config.PostgresConfig, secretsStore *secrets.Store) (string, error) {
	if secretsStore == nil || cfg.DSNSecretKey == "" {
		return cfg.DSNTemplate, nil
	}
	cred, err := secretsStore.GetCredentialSecret(cfg.DSNSecretKey)
	if err != nil {
		return "", fmt.Errorf("store: resolving dsn credential: %w", err)
	}
	dsn := strings.ReplaceAll(cfg.DSNTemplate, "{{username}}", cred.Username)
	dsn = strings.ReplaceAll(dsn, "{{password}}", cred.Password)
	return dsn, nil
}

// Open dials Postgres using cfg, registering an instrumented driver and
// starting a background pool-stats reporter scoped to ctx.
func Open(ctx context.Context, name string, cfg config.PostgresConfig, secretsStore *secrets.Store, logger log.Wrapper) (*sqlx.DB, error) {
	dsn, err := renderDSN(cfg, secretsStore)
	if err != nil {
		return nil, err
	}

	driverName := wrapDriver(name, logger)
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening pool %q: %w", name, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pinging pool %q: %w", name, err)
	}

	go collectPoolMetrics(ctx, name, db)
	return db, nil
}
