package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"data-rsync/internal/errs"

	"github.com/stretchr/testify/assert"
)

func TestFixedDelay(t *testing.T) {
	r := NewFixedDelay(10*time.Millisecond, 3)

	for attempt := 0; attempt < 3; attempt++ {
		d, ok := r.NextDelay(attempt, nil)
		assert.True(t, ok)
		assert.Equal(t, 10*time.Millisecond, d)
	}
	_, ok := r.NextDelay(3, nil)
	assert.False(t, ok)
}

func TestExponentialIsCapped(t *testing.T) {
	r := NewExponential(20)
	r.JitterFactor = 0

	d0, _ := r.NextDelay(0, nil)
	d1, _ := r.NextDelay(1, nil)
	d15, ok := r.NextDelay(15, nil)

	assert.Equal(t, 200*time.Millisecond, d0)
	assert.Equal(t, 400*time.Millisecond, d1)
	assert.True(t, ok)
	assert.Equal(t, r.MaxDelay, d15)

	_, ok = r.NextDelay(20, nil)
	assert.False(t, ok)
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		attempts, err := Do(ctx, NewFixedDelay(time.Millisecond, 3), func(context.Context) error {
			calls++
			if calls < 3 {
				return errs.Transient("insert", errors.New("timeout"))
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		attempts, err := Do(ctx, NewFixedDelay(time.Millisecond, 2), func(context.Context) error {
			return errs.Transient("insert", errors.New("timeout"))
		})
		assert.Error(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("does not retry non retryable errors", func(t *testing.T) {
		attempts, err := Do(ctx, NewFixedDelay(time.Millisecond, 5), func(context.Context) error {
			return errs.Configf("connect", "bad dsn")
		})
		assert.True(t, errs.IsConfiguration(err))
		assert.Equal(t, 1, attempts)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Do(cctx, NewFixedDelay(time.Second, 5), func(context.Context) error {
			return errs.Transient("insert", errors.New("timeout"))
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
