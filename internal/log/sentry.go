package log

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	sentry "github.com/getsentry/sentry-go"
)

// DefaultSentryFlushTimeout bounds the final sentry.Flush on shutdown.
const DefaultSentryFlushTimeout = 2 * time.Second

// ErrSentryFlushFailed is wrapped by the error returned from the Closer
// InitSentry hands back when flushing times out.
var ErrSentryFlushFailed = errors.New("log: sentry flushing failed")

// SentryConfig is the YAML-deserializable Sentry section of the service
// config. All fields are optional; with an empty DSN (and no SENTRY_DSN in
// the environment) every Sentry operation is a no-op.
type SentryConfig struct {
	DSN string `yaml:"dsn"`

	// SampleRate between 0 and 1; nil means 1.
	SampleRate *float64 `yaml:"sampleRate"`

	ServerName  string `yaml:"serverName"`
	Environment string `yaml:"environment"`

	// IgnoreErrors drops events whose message matches any of these regexps.
	IgnoreErrors []string `yaml:"ignoreErrors"`

	// FlushTimeout for the returned Closer; <=0 uses
	// DefaultSentryFlushTimeout.
	FlushTimeout time.Duration `yaml:"flushTimeout"`
}

// InitSentry initializes Sentry reporting and returns a Closer whose Close
// flushes pending events. Frames from this module are marked not in-app so
// the issue list groups by the caller's location rather than by the shared
// logging plumbing, and the exception type/value are swapped so the message
// is the issue title.
func InitSentry(cfg SentryConfig) (io.Closer, error) {
	sampleRate := 1.0
	if cfg.SampleRate != nil && *cfg.SampleRate >= 0 && *cfg.SampleRate <= 1 {
		sampleRate = *cfg.SampleRate
	}

	const (
		base   = "github.com/exp-platform/core"
		prefix = base + "/"
	)
	beforeSend := func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
		for i, exception := range event.Exception {
			event.Exception[i].Type, event.Exception[i].Value = event.Exception[i].Value, event.Exception[i].Type
			if exception.Stacktrace != nil {
				for j, frame := range exception.Stacktrace.Frames {
					if frame.Module == base || strings.HasPrefix(frame.Module, prefix) {
						event.Exception[i].Stacktrace.Frames[j].InApp = false
					}
				}
			}
		}
		return event
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:          cfg.DSN,
		SampleRate:   sampleRate,
		ServerName:   cfg.ServerName,
		Environment:  cfg.Environment,
		IgnoreErrors: cfg.IgnoreErrors,
		BeforeSend:   beforeSend,
	}); err != nil {
		return nil, err
	}
	return sentryCloser(cfg.FlushTimeout), nil
}

type sentryCloser time.Duration

func (c sentryCloser) Close() error {
	timeout := time.Duration(c)
	if timeout <= 0 {
		timeout = DefaultSentryFlushTimeout
	}
	if sentry.Flush(timeout) {
		return nil
	}
	return fmt.Errorf("log: failed to flush sentry after %v: %w", timeout, ErrSentryFlushFailed)
}
