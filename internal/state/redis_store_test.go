package state_test

import (
	"context"
	"testing"
	"time"

	"knife/internal/state"
	"knife/pkg/database"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*state.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return state.NewRedisStore(&database.Redis{Client: client}, "knife."), mr
}

func TestRedisStore_SetGetRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	err := store.Set(ctx, state.PrefixComplete+"abc-123", []byte("payload"), state.TTLComplete)
	require.NoError(t, err)

	val, ok, err := store.Get(ctx, state.PrefixComplete+"abc-123")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), val)
}

func TestRedisStore_GetMissIsNotError(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	val, ok, err := store.Get(ctx, "no.such.key")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, val)
}

func TestRedisStore_Incr(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	n, err := store.Incr(ctx, state.KeyAllTime)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Incr(ctx, state.KeyAllTime)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestRedisStore_ListKeysByPrefix(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, state.PrefixPending+"run-1", []byte("1"), state.TTLPending))
	require.NoError(t, store.Set(ctx, state.PrefixPending+"run-2", []byte("1"), state.TTLPending))
	require.NoError(t, store.Set(ctx, state.PrefixComplete+"run-3", []byte("1"), state.TTLComplete))

	keys, err := store.ListKeysByPrefix(ctx, state.PrefixPending)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		state.PrefixPending + "run-1",
		state.PrefixPending + "run-2",
	}, keys)
}

func TestRedisStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, state.PrefixNew+"run-1", []byte("1"), time.Minute))
	require.NoError(t, store.Delete(ctx, state.PrefixNew+"run-1"))

	_, ok, err := store.Get(ctx, state.PrefixNew+"run-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_Refresh(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, state.PrefixComplete+"run-1", []byte("1"), time.Minute))
	require.NoError(t, store.Refresh(ctx, state.PrefixComplete+"run-1", state.TTLComplete))

	mr.FastForward(2 * time.Minute)
	_, ok, err := store.Get(ctx, state.PrefixComplete+"run-1")
	require.NoError(t, err)
	assert.True(t, ok, "refreshed key should still be present after its original TTL would have expired")
}
