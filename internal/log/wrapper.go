package log

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"testing"

	sentry "github.com/getsentry/sentry-go"
)

// Wrapper is the logging hook library packages accept instead of logging
// directly. Packages like the outbox publisher and the partition manager
// only log when something bad, unexpected, and recoverable happens in a
// background goroutine with no caller to return the error to; everything
// else is returned as an error. Handler code should use the leveled
// functions in this package instead.
//
// A nil Wrapper is safe to call through the Log method and does nothing.
type Wrapper func(ctx context.Context, msg string)

// Log is the nil-safe way of calling a Wrapper.
func (w Wrapper) Log(ctx context.Context, msg string) {
	if w != nil {
		w(ctx, msg)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so a Wrapper can be
// chosen directly in YAML config:
//
//   - "nop" or empty: NopWrapper
//   - "std": StdWrapper over the default stdlib logger
//   - "zap": ZapWrapper at info level
//   - "zap:level": ZapWrapper at the given level, e.g. "zap:error"
//   - "sentry": ErrorWithSentryWrapper
func (w *Wrapper) UnmarshalText(text []byte) error {
	s := string(text)

	const zapLevelPrefix = "zap:"
	if strings.HasPrefix(s, zapLevelPrefix) {
		*w = ZapWrapper(Level(strings.ToLower(s[len(zapLevelPrefix):])))
		return nil
	}

	switch s {
	default:
		return fmt.Errorf("log: unsupported wrapper config: %q", text)
	case "", "nop":
		*w = NopWrapper
	case "std":
		*w = StdWrapper(stdlog.New(os.Stderr, "", stdlog.LstdFlags))
	case "zap":
		*w = ZapWrapper(Level(""))
	case "sentry":
		*w = ErrorWithSentryWrapper()
	}
	return nil
}

var _ encoding.TextUnmarshaler = (*Wrapper)(nil)

// NopWrapper discards all messages. The zero value of Wrapper behaves the
// same way via Log.
func NopWrapper(ctx context.Context, msg string) {}

// StdWrapper adapts a stdlib *log.Logger into a Wrapper.
func StdWrapper(logger *stdlog.Logger) Wrapper {
	if logger == nil {
		return NopWrapper
	}
	return func(_ context.Context, msg string) {
		logger.Print(msg)
	}
}

// TestWrapper fails the test when called. Use it in unit tests of library
// code that should not be logging on the path under test.
func TestWrapper(tb testing.TB) Wrapper {
	return func(_ context.Context, msg string) {
		tb.Errorf("logger called with msg: %q", msg)
	}
}

// ZapWrapper logs through the context-attached (or global) zap logger at the
// given level. Unknown levels fall back to info.
func ZapWrapper(level Level) Wrapper {
	if level == NopLevel {
		return NopWrapper
	}

	return func(ctx context.Context, msg string) {
		logger := C(ctx)
		f := logger.Info
		switch level {
		case DebugLevel:
			f = logger.Debug
		case WarnLevel:
			f = logger.Warn
		case ErrorLevel:
			f = logger.Error
		case PanicLevel:
			f = logger.Panic
		case FatalLevel:
			f = logger.Fatal
		}
		f(msg)
	}
}

// ErrorWithSentryWrapper logs at error level and also reports the message to
// Sentry, for callers whose messages are something the operator should see.
// Without Sentry configured it degrades to ZapWrapper(ErrorLevel).
func ErrorWithSentryWrapper() Wrapper {
	return func(ctx context.Context, msg string) {
		C(ctx).Error(msg)

		err := errors.New(msg)
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.CaptureException(err)
		} else {
			sentry.CaptureException(err)
		}
	}
}

var _ Wrapper = NopWrapper
