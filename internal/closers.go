// Package internal carries small helpers shared across expserver's packages
// without being part of any one component's API.
package internal

import (
	"io"

	"github.com/exp-platform/core/internal/errors"
)

type anonymousCloser struct {
	closeFunc func() error
}

func (c *anonymousCloser) Close() error {
	return c.closeFunc()
}

// NewAnonymousCloser adapts a func() error into an io.Closer.
func NewAnonymousCloser(f func() error) io.Closer {
	return &anonymousCloser{closeFunc: f}
}

// NoOpCloser is the no-op version of an io.Closer.
var NoOpCloser io.Closer = NewAnonymousCloser(func() error { return nil })

// BatchCloser closes a stack of resources in reverse order of registration,
// collecting every failure instead of stopping at the first. cmd/expserver
// pushes the database pool, the Redis client, the bus producer, and the
// Sentry flusher onto one of these so shutdown stays a single call.
type BatchCloser struct {
	closers []io.Closer
}

// Add registers closers to be closed by Close.
func (b *BatchCloser) Add(closers ...io.Closer) {
	b.closers = append(b.closers, closers...)
}

// AddFunc registers a bare func() error.
func (b *BatchCloser) AddFunc(f func() error) {
	b.Add(NewAnonymousCloser(f))
}

// Close closes everything registered, last first, and returns the collected
// failures as one error (nil when all succeed).
func (b *BatchCloser) Close() error {
	var batch errors.Batch
	for i := len(b.closers) - 1; i >= 0; i-- {
		batch.Add(b.closers[i].Close())
	}
	return batch.Compile()
}

var _ io.Closer = (*BatchCloser)(nil)
