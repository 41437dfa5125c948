package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"data-rsync/internal/errs"
)

// Retryer 决定下一次重试前的等待时间
type Retryer interface {
	// NextDelay attempt 从 0 开始; 返回 false 表示放弃
	NextDelay(attempt int, lastErr error) (time.Duration, bool)
}

// FixedDelay 固定间隔, 用于批量写入和索引创建
type FixedDelay struct {
	Delay      time.Duration
	MaxRetries int
}

func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxRetries: maxRetries}
}

func (r *FixedDelay) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if attempt >= r.MaxRetries {
		return 0, false
	}
	return r.Delay, true
}

// Exponential 指数退避 + 抖动, 用于连接类操作
type Exponential struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	JitterFactor float64
}

func NewExponential(maxRetries int) *Exponential {
	return &Exponential{
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   maxRetries,
		JitterFactor: 0.2,
	}
}

func (r *Exponential) NextDelay(attempt int, _ error) (time.Duration, bool) {
	if attempt >= r.MaxRetries {
		return 0, false
	}
	delay := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(attempt))
	if delay > float64(r.MaxDelay) {
		delay = float64(r.MaxDelay)
	}
	if r.JitterFactor > 0 {
		//nolint:gosec // 抖动不需要安全随机数
		delay += delay * r.JitterFactor * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = float64(r.InitialDelay)
		}
	}
	return time.Duration(delay), true
}

// Do 执行 fn, 仅对可重试错误按 r 的节奏重试。
// 返回最后一次错误以及总尝试次数。
func Do(ctx context.Context, r Retryer, fn func(ctx context.Context) error) (int, error) {
	attempts := 0
	for {
		attempts++
		err := fn(ctx)
		if err == nil {
			return attempts, nil
		}
		if !errs.IsRetryable(err) {
			return attempts, err
		}
		delay, ok := r.NextDelay(attempts-1, err)
		if !ok {
			return attempts, err
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return attempts, ctx.Err()
			case <-t.C:
			}
		}
	}
}
