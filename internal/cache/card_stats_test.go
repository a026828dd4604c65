package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statsSnapshot struct {
	Available int64 `json:"available"`
	Total     int64 `json:"total"`
}

func setupTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	UseClient(client, "test")
	t.Cleanup(func() {
		_ = client.Close()
		UseClient(nil, "")
	})
	return mr
}

func TestCardStatsStoreRoundTripAndInvalidate(t *testing.T) {
	mr := setupTestRedis(t)
	ctx := context.Background()
	store := NewCardStatsStore()
	require.NotNil(t, store)

	written, err := store.SetCardStats(ctx, 7, 0, statsSnapshot{Available: 3, Total: 5}, time.Minute)
	require.NoError(t, err)
	assert.True(t, written)
	assert.True(t, mr.Exists("test:card:stats:7"))

	var got statsSnapshot
	hit, err := store.GetCardStats(ctx, 7, &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, int64(3), got.Available)

	require.NoError(t, store.InvalidateCardStats(ctx, 7, 8))
	hit, err = store.GetCardStats(ctx, 7, &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCardStatsStoreExpires(t *testing.T) {
	mr := setupTestRedis(t)
	ctx := context.Background()
	store := NewCardStatsStore()

	_, err := store.SetCardStats(ctx, 1, 0, statsSnapshot{Total: 1}, 30*time.Second)
	require.NoError(t, err)
	mr.FastForward(31 * time.Second)

	var got statsSnapshot
	hit, err := store.GetCardStats(ctx, 1, &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCardStatsStoreRejectsSnapshotReadBeforeInvalidate(t *testing.T) {
	mr := setupTestRedis(t)
	ctx := context.Background()
	store := NewCardStatsStore()

	version, err := store.CardStatsVersion(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)

	// 统计读取期间发生写操作
	require.NoError(t, store.InvalidateCardStats(ctx, 3))

	written, err := store.SetCardStats(ctx, 3, version, statsSnapshot{Available: 9}, time.Minute)
	require.NoError(t, err)
	assert.False(t, written)
	assert.False(t, mr.Exists("test:card:stats:3"))

	current, err := store.CardStatsVersion(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current)
	written, err = store.SetCardStats(ctx, 3, current, statsSnapshot{Available: 8}, 0)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, time.Duration(0), mr.TTL("test:card:stats:3"))
}

func TestCardStatsStoreDisabled(t *testing.T) {
	UseClient(nil, "")
	assert.Nil(t, NewCardStatsStore())

	var store *CardStatsStore
	hit, err := store.GetCardStats(context.Background(), 1, &statsSnapshot{})
	assert.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, store.InvalidateCardStats(context.Background(), 1))
	written, err := store.SetCardStats(context.Background(), 1, 0, statsSnapshot{}, time.Minute)
	assert.NoError(t, err)
	assert.False(t, written)
}
