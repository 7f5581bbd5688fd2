// Package log is expserver's structured logging layer: a zap-backed global
// logger for process-level code, a context-attached logger for request
// handlers, and the Wrapper function type that library packages (outbox
// publisher, partition manager, SQL tracer) accept so they never pick a
// logging implementation themselves.
package log

import (
	"context"

	sentry "github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger = zap.NewNop().Sugar()

// Level is the string form of a log level, usable directly in YAML config.
type Level string

const (
	NopLevel   Level = "nop"
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
	PanicLevel Level = "panic"
	FatalLevel Level = "fatal"

	// zapNopLevel is above Fatal so nothing is ever enabled at it.
	zapNopLevel zapcore.Level = zapcore.FatalLevel + 1
)

// ToZapLevel maps a Level onto zap's level type. Unknown values map to the
// nop level rather than a guess.
func (l Level) ToZapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case PanicLevel:
		return zapcore.PanicLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapNopLevel
	}
}

// InitLoggerJSON replaces the global logger with a JSON-encoded production
// logger at the given level. This is what InitFromConfig uses; expserver
// logs are consumed by a line-oriented JSON collector.
func InitLoggerJSON(logLevel Level) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(logLevel.ToZapLevel())
	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.MessageKey = "message"
	cfg.EncoderConfig.TimeKey = "timestamp"
	if err := InitLoggerWithConfig(logLevel, cfg); err != nil {
		// A static production config only fails to build if zap itself is
		// broken; there is no degraded mode to fall back to.
		panic(err)
	}
}

// InitLoggerWithConfig replaces the global logger using a caller-supplied
// zap config. NopLevel short-circuits to a nop logger without building cfg.
func InitLoggerWithConfig(logLevel Level, cfg zap.Config) error {
	if logLevel == NopLevel {
		logger = zap.NewNop().Sugar()
		return nil
	}
	l, err := cfg.Build(zap.AddCallerSkip(2), zap.WrapCore(wrapCore))
	if err != nil {
		return err
	}
	logger = l.Sugar()
	return nil
}

// Debugw logs a message with additional key-value context.
func Debugw(msg string, keysAndValues ...interface{}) {
	logger.Debugw(msg, keysAndValues...)
}

// Infow logs a message with additional key-value context.
func Infow(msg string, keysAndValues ...interface{}) {
	logger.Infow(msg, keysAndValues...)
}

// Warnw logs a message with additional key-value context.
func Warnw(msg string, keysAndValues ...interface{}) {
	logger.Warnw(msg, keysAndValues...)
}

// Errorw logs a message with additional key-value context.
func Errorw(msg string, keysAndValues ...interface{}) {
	logger.Errorw(msg, keysAndValues...)
}

// Sync flushes any buffered log entries. Called on shutdown.
func Sync() error {
	return logger.Sync()
}

// ErrorWithSentry logs msg and err at error level and reports err to Sentry,
// preferring a hub attached to ctx over the global one so request-scoped
// tags survive into the report.
func ErrorWithSentry(ctx context.Context, msg string, err error, keysAndValues ...interface{}) {
	keysAndValues = append(keysAndValues, "err", err)
	C(ctx).Errorw(msg, keysAndValues...)

	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
	} else {
		sentry.CaptureException(err)
	}
}
