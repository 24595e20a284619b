package store

import (
	"context"
	"strconv"
	"testing"

	"github.com/GearSync/gearsync-go/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniStore(t *testing.T) (*RedisStore, *redis.Client) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, 3), rdb
}

func testCAS(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	p := "player-cas"

	_, _, err := st.Load(ctx, p)
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := st.Save(ctx, p, 1, []byte(`{"version":1}`))
	require.NoError(t, err)
	require.True(t, ok)

	// stale version is rejected
	ok, err = st.Save(ctx, p, 1, []byte(`{"version":1,"stale":true}`))
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = st.Save(ctx, p, 0, []byte(`{"version":0}`))
	require.NoError(t, err)
	require.False(t, ok)

	// newer version swaps
	ok, err = st.Save(ctx, p, 5, []byte(`{"version":5}`))
	require.NoError(t, err)
	require.True(t, ok)

	version, raw, err := st.Load(ctx, p)
	require.NoError(t, err)
	require.Equal(t, int64(5), version)
	require.JSONEq(t, `{"version":5}`, string(raw))

	require.NoError(t, st.Delete(ctx, p))
	_, _, err = st.Load(ctx, p)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CAS(t *testing.T) {
	testCAS(t, NewMemoryStore())
}

func TestRedisStore_CAS(t *testing.T) {
	st, _ := newMiniStore(t)
	testCAS(t, st)
}

func TestRedisStore_HistoryBounded(t *testing.T) {
	st, rdb := newMiniStore(t)
	ctx := context.Background()
	p := "player-hist"

	for v := int64(1); v <= 6; v++ {
		ok, err := st.Save(ctx, p, v, []byte(`{"v":`+strconv.FormatInt(v, 10)+`}`))
		require.NoError(t, err)
		require.True(t, ok)
	}

	items, err := rdb.LRange(ctx, keys.History(p), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, items, 3, "history should be trimmed to the configured bound")
	// newest first
	require.JSONEq(t, `{"v":6}`, items[0])
}
