package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/exp-platform/core/internal/auth"
)

func TestHasScopeFindsAGrantedScope(t *testing.T) {
	ac := auth.Context{Scopes: []string{auth.ScopeAssign, auth.ScopeRead}}
	assert.True(t, ac.HasScope(auth.ScopeRead))
}

func TestHasScopeRejectsAnUngrantedScope(t *testing.T) {
	ac := auth.Context{Scopes: []string{auth.ScopeRead}}
	assert.False(t, ac.HasScope(auth.ScopeBulkWrite))
}

func TestHasScopeOnAZeroValueContextIsAlwaysFalse(t *testing.T) {
	var ac auth.Context
	assert.False(t, ac.HasScope(auth.ScopeRead))
}

func TestFromContextRoundTripsWhatWithContextAttached(t *testing.T) {
	want := auth.Context{TokenID: "tok-1", Scopes: []string{auth.ScopeIngest}}
	ctx := auth.WithContext(context.Background(), want)

	got, ok := auth.FromContext(ctx)
	require := assert.New(t)
	require.True(ok)
	require.Equal(want, got)
}

func TestFromContextOnABareContextReportsNotOK(t *testing.T) {
	_, ok := auth.FromContext(context.Background())
	assert.False(t, ok)
}
