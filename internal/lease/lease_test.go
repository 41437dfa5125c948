package lease

import (
	"context"
	"testing"
	"time"

	"data-rsync/internal/errs"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	_, rdb := setup(t)
	a := NewLocker(rdb, time.Minute, "node-a", zerolog.Nop())
	b := NewLocker(rdb, time.Minute, "node-b", zerolog.Nop())

	la, err := a.Acquire(ctx, 1)
	require.NoError(t, err)

	_, err = b.Acquire(ctx, 1)
	assert.True(t, errs.IsConflict(err))
	assert.Contains(t, err.Error(), "node-a")

	holder, err := b.Holder(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, holder, "node-a:")

	require.NoError(t, la.Release(ctx))
	lb, err := b.Acquire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint(1), lb.TaskID)
}

func TestReleaseOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	mr, rdb := setup(t)
	a := NewLocker(rdb, time.Second, "node-a", zerolog.Nop())
	b := NewLocker(rdb, time.Minute, "node-b", zerolog.Nop())

	la, err := a.Acquire(ctx, 2)
	require.NoError(t, err)

	// a 的租约过期后被 b 接管
	mr.FastForward(2 * time.Second)
	_, err = b.Acquire(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, la.Release(ctx))
	holder, _ := b.Holder(ctx, 2)
	assert.Contains(t, holder, "node-b:")

	assert.ErrorIs(t, la.Renew(ctx), ErrLost)
}

func TestRenewExtendsTTL(t *testing.T) {
	ctx := context.Background()
	mr, rdb := setup(t)
	l := NewLocker(rdb, 10*time.Second, "node-a", zerolog.Nop())

	le, err := l.Acquire(ctx, 3)
	require.NoError(t, err)
	mr.FastForward(8 * time.Second)
	require.NoError(t, le.Renew(ctx))
	assert.Equal(t, 10*time.Second, mr.TTL("task:3:lease"))
}

func TestKeepAliveReportsLoss(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mr, rdb := setup(t)
	l := NewLocker(rdb, 150*time.Millisecond, "node-a", zerolog.Nop())

	le, err := l.Acquire(ctx, 4)
	require.NoError(t, err)
	mr.Del("task:4:lease")

	lost := make(chan error, 1)
	go le.KeepAlive(ctx, func(err error) { lost <- err })

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrLost)
	case <-time.After(2 * time.Second):
		t.Fatal("lease loss was not reported")
	}
}
