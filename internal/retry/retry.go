// Package retry wraps github.com/avast/retry-go with the defaults this
// service wants everywhere: retries stop when the context is canceled,
// delays back off exponentially with jitter, and a failed run reports every
// attempt's error through an errors.Batch instead of only the last one.
//
// The only production caller today is the outbox publisher, which retries
// each bus publish a few times before releasing the lease; per-call options
// can also be injected through the context for middleware-style use.
package retry

import (
	"context"
	"errors"
	"time"

	retry "github.com/avast/retry-go"

	experrors "github.com/exp-platform/core/internal/errors"
)

func init() {
	retry.DefaultAttempts = 1
	retry.DefaultDelay = 1 * time.Millisecond
	retry.DefaultMaxJitter = 5 * time.Millisecond
	retry.DefaultDelayType = cappedExponentialBackoffFunc(CappedExponentialBackoffArgs{
		InitialDelay: retry.DefaultDelay,
		MaxJitter:    retry.DefaultMaxJitter,
	})
	retry.DefaultLastErrorOnly = false
}

type contextKeyType struct{}

var contextKey contextKeyType

// WithOptions attaches per-call retry options to ctx; Do applies them after
// (so overriding) its own defaults.
func WithOptions(ctx context.Context, options ...retry.Option) context.Context {
	return context.WithValue(ctx, contextKey, options)
}

// GetOptions returns the options attached by WithOptions, if any.
func GetOptions(ctx context.Context) (options []retry.Option, ok bool) {
	options, ok = ctx.Value(contextKey).([]retry.Option)
	return
}

// Do runs fn with retries. Option precedence, lowest to highest: the
// package defaults set in init, retry.Context(ctx), defaults passed here,
// options attached to ctx via WithOptions.
//
// When every attempt fails, the individual errors are collected into an
// errors.Batch so the caller sees each attempt, not just the final one.
func Do(ctx context.Context, fn func() error, defaults ...retry.Option) error {
	options, _ := GetOptions(ctx)
	merged := make([]retry.Option, 0, 1+len(defaults)+len(options))
	merged = append(merged, retry.Context(ctx))
	merged = append(merged, defaults...)
	merged = append(merged, options...)
	err := retry.Do(fn, merged...)

	var retryErr retry.Error
	if errors.As(err, &retryErr) {
		var batch experrors.Batch
		batch.Add(retryErr.WrappedErrors()...)
		return batch.Compile()
	}
	return err
}
