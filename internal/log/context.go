package log

import (
	"context"
	"fmt"

	sentry "github.com/getsentry/sentry-go"

	"go.uber.org/zap"
)

type contextKeyType struct{}

var contextKey contextKeyType

// AttachArgs carries the request-scoped pairs Attach stamps onto both the
// logger and the Sentry hub. Zero-value fields are skipped.
type AttachArgs struct {
	// RequestID is the inbound request id, when the handler has one.
	RequestID string

	// AdditionalPairs are free-form pairs added to every log line and
	// Sentry report from the same context, e.g. experiment_id on the
	// assignment path.
	AdditionalPairs map[string]interface{}
}

// Attach derives a context whose logger and Sentry hub carry the given
// pairs. Handlers call this once at the top of a request; everything below
// then logs through C(ctx) and inherits the pairs.
func Attach(ctx context.Context, args AttachArgs) context.Context {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub = hub.Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		if args.RequestID != "" {
			scope.SetTag("request_id", args.RequestID)
		}
		for k, v := range args.AdditionalPairs {
			scope.SetTag(k, fmt.Sprintf("%v", v))
		}
	})
	ctx = context.WithValue(ctx, sentry.HubContextKey, hub)

	kv := make([]interface{}, 0, len(args.AdditionalPairs)*2+1)
	if args.RequestID != "" {
		kv = append(kv, zap.String("requestID", args.RequestID))
	}
	for k, v := range args.AdditionalPairs {
		kv = append(kv, k, v)
	}
	l := C(ctx)
	if len(kv) > 0 {
		l = l.With(kv...)
	}
	// Attach even when kv is empty: it makes the next C(ctx) a map lookup
	// instead of a fallthrough to the global.
	return context.WithValue(ctx, contextKey, l)
}

// C returns the logger attached to ctx, or the global logger if none is.
// The result is never nil; prefer it over the package-level functions
// whenever a context is in hand:
//
//	log.C(ctx).Errorw("outbox lease failed", "err", err)
func C(ctx context.Context) *zap.SugaredLogger {
	if attached, ok := ctx.Value(contextKey).(*zap.SugaredLogger); ok && attached != nil {
		return attached
	}
	return logger
}
