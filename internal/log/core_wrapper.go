package log

import (
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/exp-platform/core/internal/prometheusbpint"
)

var logWriteDurationSeconds = promauto.With(prometheusbpint.GlobalRegistry).NewHistogram(
	prometheus.HistogramOpts{
		Name: "expserver_log_write_duration_seconds",
		Help: "Latency of a single log write",
		Buckets: []float64{
			0.000_005,
			0.000_050,
			0.000_500,
			0.001,
			0.005,
			0.05,
			0.5,
			1.0,
		},
	},
)

// instrumentedCore wraps a zapcore.Core to time every write and to stringify
// 64-bit integer fields. Experiment ids and outbox ids are int64; encoded as
// JSON numbers they would be parsed as float64 downstream and lose precision
// past 2^53.
type instrumentedCore struct {
	zapcore.Core
}

func wrapCore(c zapcore.Core) zapcore.Core {
	return instrumentedCore{Core: c}
}

func (c instrumentedCore) With(fields []zapcore.Field) zapcore.Core {
	return instrumentedCore{Core: c.Core.With(stringifyInt64s(fields))}
}

func (c instrumentedCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	start := time.Now()
	defer func() {
		logWriteDurationSeconds.Observe(time.Since(start).Seconds())
	}()
	return c.Core.Write(entry, stringifyInt64s(fields))
}

func (c instrumentedCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func stringifyInt64s(fields []zapcore.Field) []zapcore.Field {
	for i, f := range fields {
		switch f.Type {
		case zapcore.Int64Type:
			f.Type = zapcore.StringType
			f.String = strconv.FormatInt(f.Integer, 10)
		case zapcore.Uint64Type:
			f.Type = zapcore.StringType
			f.String = strconv.FormatUint(uint64(f.Integer), 10)
		}
		fields[i] = f
	}
	return fields
}
