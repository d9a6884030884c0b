package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyStore_ClaimOnce(t *testing.T) {
	s := NewIdempotencyStore()
	ctx := context.Background()

	ok, err := s.Claim(ctx, "leads:status:1:10:142", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, "leads:status:1:10:142", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdempotencyStore_ReleaseAllowsReclaim(t *testing.T) {
	s := NewIdempotencyStore()
	ctx := context.Background()

	_, _ = s.Claim(ctx, "k", time.Hour)
	require.NoError(t, s.Release(ctx, "k"))

	ok, err := s.Claim(ctx, "k", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIdempotencyStore_ExpiredKeysAreReclaimableAndSwept(t *testing.T) {
	s := NewIdempotencyStore()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = s.Claim(ctx, "a", time.Second)
	_, _ = s.Claim(ctx, "b", time.Hour)
	assert.Equal(t, 2, s.Len())

	now = now.Add(2 * time.Minute)
	ok, err := s.Claim(ctx, "a", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired key can be claimed again")

	now = now.Add(2 * time.Minute)
	_, _ = s.Claim(ctx, "c", time.Hour)
	assert.Equal(t, 2, s.Len(), "a swept, b and c held")
}
