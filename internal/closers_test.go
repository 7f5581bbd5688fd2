package internal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewAnonymousCloserInvokesTheWrappedFunc(t *testing.T) {
	called := false
	c := NewAnonymousCloser(func() error {
		called = true
		return nil
	})
	assert.NoError(t, c.Close())
	assert.True(t, called)
}

func TestNewAnonymousCloserPropagatesTheWrappedError(t *testing.T) {
	want := errors.New("boom")
	c := NewAnonymousCloser(func() error { return want })
	assert.Equal(t, want, c.Close())
}

func TestNoOpCloserNeverErrors(t *testing.T) {
	assert.NoError(t, NoOpCloser.Close())
}

func TestBatchCloserClosesInReverseOrder(t *testing.T) {
	var order []string
	var b BatchCloser
	b.AddFunc(func() error {
		order = append(order, "db")
		return nil
	})
	b.AddFunc(func() error {
		order = append(order, "producer")
		return nil
	})

	assert.NoError(t, b.Close())
	assert.Equal(t, []string{"producer", "db"}, order)
}

func TestBatchCloserCollectsEveryFailure(t *testing.T) {
	var b BatchCloser
	b.AddFunc(func() error { return errors.New("redis: connection reset") })
	closed := false
	b.AddFunc(func() error {
		closed = true
		return errors.New("producer: broker gone")
	})

	err := b.Close()
	assert.Error(t, err)
	assert.True(t, closed, "a failing closer must not stop the others")
	assert.Contains(t, err.Error(), "redis")
	assert.Contains(t, err.Error(), "producer")
}
