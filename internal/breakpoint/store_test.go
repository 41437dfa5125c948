package breakpoint

import (
	"context"
	"testing"
	"time"

	"data-rsync/internal/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisStoreGetSetClear(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	s := NewRedisStore(rdb, 10)

	_, ok, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	cp, err := s.Set(ctx, 1, CDC(100).Encode())
	require.NoError(t, err)
	assert.NotEmpty(t, cp.ID)

	tok, ok, err := s.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, CDC(100).Encode(), tok)
	assert.True(t, mr.Exists("task:1:breakpoint"))

	// 最后写入者生效
	_, err = s.Set(ctx, 1, CDC(120).Encode())
	require.NoError(t, err)
	tok, _, _ = s.Get(ctx, 1)
	parsed, err := Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, int64(120), parsed.Offset)

	require.NoError(t, s.Clear(ctx, 1))
	_, ok, err = s.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	history, err := s.History(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestRedisStoreHistoryIsBounded(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	s := NewRedisStore(rdb, 3)

	for i := 1; i <= 5; i++ {
		_, err := s.Set(ctx, 7, CDC(int64(i)).Encode())
		require.NoError(t, err)
	}

	history, err := s.History(ctx, 7)
	require.NoError(t, err)
	require.Len(t, history, 3)
	newest, _ := Parse(history[0].Token)
	oldest, _ := Parse(history[2].Token)
	assert.Equal(t, int64(5), newest.Offset)
	assert.Equal(t, int64(3), oldest.Offset)
}

func TestRedisStoreRestore(t *testing.T) {
	ctx := context.Background()
	_, rdb := newRedis(t)
	s := NewRedisStore(rdb, 10)

	first, err := s.Set(ctx, 2, CDC(10).Encode())
	require.NoError(t, err)
	_, err = s.Set(ctx, 2, CDC(20).Encode())
	require.NoError(t, err)

	cp, err := s.Restore(ctx, 2, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Token, cp.Token)

	tok, _, _ := s.Get(ctx, 2)
	assert.Equal(t, CDC(10).Encode(), tok)

	_, err = s.Restore(ctx, 2, "does-not-exist")
	assert.True(t, errs.IsNotFound(err))
}

func TestTokens(t *testing.T) {
	scan := Scan([]int{3, 1}, 4, 0, 1000)
	parsed, err := Parse(scan.Encode())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, parsed.Shards)
	assert.True(t, parsed.Done(3))
	assert.False(t, parsed.Done(2))
	assert.Equal(t, int64(1000), parsed.RangeMax)

	_, err = Parse("not json")
	assert.True(t, errs.IsData(err))
	_, err = Parse(`{"mode":"lsn"}`)
	assert.True(t, errs.IsData(err))
}

func TestStatusCache(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	c := NewStatusCache(rdb, 7*24*time.Hour)

	_, ok, err := c.Progress(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Publish(ctx, 3, "RUNNING", 40, ""))
	require.NoError(t, c.Touch(ctx, 3, map[string]interface{}{"captured_offset": 77}))

	p, ok, err := c.Progress(ctx, 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 40, p)

	st, err := c.Status(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", st["status"])
	assert.Equal(t, "77", st["captured_offset"])
	assert.Equal(t, 7*24*time.Hour, mr.TTL("task:3:status"))
	assert.Equal(t, 7*24*time.Hour, mr.TTL("task:3:progress"))

	mr.FastForward(7*24*time.Hour + time.Second)
	assert.False(t, mr.Exists("task:3:status"))

	require.NoError(t, c.Publish(ctx, 3, "SUCCESS", 100, ""))
	require.NoError(t, c.Forget(ctx, 3))
	assert.False(t, mr.Exists("task:3:progress"))
}
