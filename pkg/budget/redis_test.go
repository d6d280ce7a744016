package budget

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore_Integration requires a running Redis and skips otherwise.
func TestRedisStore_Integration(t *testing.T) {
	store := NewRedisStore("localhost:6379", "", 0)
	defer func() { _ = store.Close() }()
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	ceiling := Ceiling{Key: "test-" + uuid.NewString(), Limit: 2, Window: time.Second}

	for range 2 {
		ok, err := store.Take(ctx, ceiling)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := store.Take(ctx, ceiling)
	require.NoError(t, err)
	assert.False(t, ok, "third take inside the window must be refused")

	n, err := store.Count(ctx, ceiling)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	time.Sleep(1100 * time.Millisecond)
	ok, err = store.Take(ctx, ceiling)
	require.NoError(t, err)
	assert.True(t, ok, "window should have slid")
}
