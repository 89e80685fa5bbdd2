package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "a", "1"))
	value, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", value)

	require.NoError(t, store.Set(ctx, "a", "2"))
	value, err = store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "2", value)

	require.NoError(t, store.Delete(ctx, "a"))
	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent key is not an error.
	require.NoError(t, store.Delete(ctx, "a"))
}

func TestMemoryList(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "daily_usage_2025-06-01", "3"))
	require.NoError(t, store.Set(ctx, "daily_usage_2025-06-02", "1"))
	require.NoError(t, store.Set(ctx, "sharing_credits", "5"))

	keys, err := store.List(ctx, "daily_usage_")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"daily_usage_2025-06-01", "daily_usage_2025-06-02"}, keys)
}

func TestPruneDated(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "daily_usage_2025-04-01", "3"))
	require.NoError(t, store.Set(ctx, "daily_usage_2025-06-01", "1"))
	require.NoError(t, store.Set(ctx, "daily_usage_legacy", "9"))

	err := PruneDated(ctx, store, "daily_usage_", "2006-01-02", "2025-05-01")
	require.NoError(t, err)

	_, err = store.Get(ctx, "daily_usage_2025-04-01")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, "daily_usage_2025-06-01")
	assert.NoError(t, err)
	// Suffixes that are not dates are left alone.
	_, err = store.Get(ctx, "daily_usage_legacy")
	assert.NoError(t, err)
}
