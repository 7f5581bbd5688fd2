package log

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCFallsBackToGlobal(t *testing.T) {
	got := C(context.Background())
	require.NotNil(t, got)
	assert.Same(t, logger, got)
}

func TestAttachCarriesPairs(t *testing.T) {
	core, observed := observer.New(zap.DebugLevel)
	old := logger
	logger = zap.New(core).Sugar()
	t.Cleanup(func() { logger = old })

	ctx := Attach(context.Background(), AttachArgs{
		RequestID:       "req-1",
		AdditionalPairs: map[string]interface{}{"experiment_id": 7},
	})
	C(ctx).Infow("assigned")

	entries := observed.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["requestID"])
	assert.EqualValues(t, 7, fields["experiment_id"])
}

func TestAttachWithoutPairsStillAttaches(t *testing.T) {
	ctx := Attach(context.Background(), AttachArgs{})
	_, ok := ctx.Value(contextKey).(*zap.SugaredLogger)
	assert.True(t, ok)
}
