package util

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "abc")
	id, ok := TraceIDFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "abc", id)

	_, ok = TraceIDFromContext(context.Background())
	assert.False(t, ok)
}

func TestEnsureTraceIDKeepsExisting(t *testing.T) {
	ctx, id := EnsureTraceID(context.Background())
	assert.Len(t, id, 32)
	_, again := EnsureTraceID(ctx)
	assert.Equal(t, id, again)
}

func TestNewIDIsIncreasing(t *testing.T) {
	require.NoError(t, InitIDs(3))
	a, b := NewID(), NewID()
	assert.Greater(t, b, a)
	assert.NotEqual(t, NewIDString(), NewIDString())
}
