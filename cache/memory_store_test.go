package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetGetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	entry := &Entry{
		Body:    `{"id":42}`,
		Headers: map[string]string{"Content-Type": "application/json"},
		Status:  200,
	}
	require.NoError(t, store.Set(ctx, "key", entry, time.Minute))

	got, found := store.Get(ctx, "key")
	require.True(t, found)
	assert.Equal(t, entry, got)

	require.NoError(t, store.Delete(ctx, "key"))
	_, found = store.Get(ctx, "key")
	assert.False(t, found)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	require.NoError(t, store.Set(ctx, "key", &Entry{Status: 200}, 10*time.Millisecond))

	_, found := store.Get(ctx, "key")
	assert.True(t, found)

	time.Sleep(30 * time.Millisecond)
	_, found = store.Get(ctx, "key")
	assert.False(t, found, "expired entries must read as misses")
}
