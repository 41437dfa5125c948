package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"data-rsync/internal/errs"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// 只有持有者才能续期 / 释放
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// ErrLost 租约已过期或被其他实例抢占
var ErrLost = errors.New("lease lost")

func lockKey(taskID uint) string { return fmt.Sprintf("task:%d:lease", taskID) }

// Locker 基于 Redis 的任务租约, 防止多个实例同时驱动同一个任务
type Locker struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	holder string
	log    zerolog.Logger
}

func NewLocker(rdb redis.Cmdable, ttl time.Duration, instanceID string, log zerolog.Logger) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	return &Locker{rdb: rdb, ttl: ttl, holder: instanceID, log: log.With().Str("component", "lease").Logger()}
}

type Lease struct {
	locker *Locker
	TaskID uint
	token  string
}

// Acquire 抢占任务租约, 已被占用时返回 Conflict
func (l *Locker) Acquire(ctx context.Context, taskID uint) (*Lease, error) {
	token := l.holder + ":" + uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, lockKey(taskID), token, l.ttl).Result()
	if err != nil {
		return nil, errs.Transient("lease.acquire", err)
	}
	if !ok {
		owner, _ := l.rdb.Get(ctx, lockKey(taskID)).Result()
		return nil, errs.Conflictf("lease.acquire", "task %d is driven by another instance (%s)", taskID, owner)
	}
	return &Lease{locker: l, TaskID: taskID, token: token}, nil
}

// Holder 当前持有者, 未被持有时为空
func (l *Locker) Holder(ctx context.Context, taskID uint) (string, error) {
	v, err := l.rdb.Get(ctx, lockKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (le *Lease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, le.locker.rdb, []string{lockKey(le.TaskID)}, le.token, le.locker.ttl.Milliseconds()).Int64()
	if err != nil {
		return errs.Transient("lease.renew", err)
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (le *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, le.locker.rdb, []string{lockKey(le.TaskID)}, le.token).Result(); err != nil {
		return errs.Transient("lease.release", err)
	}
	return nil
}

// KeepAlive 每 ttl/3 续期一次, 直到 ctx 结束; 续期失败 (租约丢失) 时回调 onLost
func (le *Lease) KeepAlive(ctx context.Context, onLost func(error)) {
	interval := le.locker.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := le.Renew(ctx)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrLost) {
				le.locker.log.Error().Uint("task_id", le.TaskID).Msg("任务租约丢失")
				if onLost != nil {
					onLost(err)
				}
				return
			}
			// Redis 抖动, 下个周期再试; 真正过期会以 ErrLost 的形式出现
			le.locker.log.Warn().Err(err).Uint("task_id", le.TaskID).Msg("租约续期失败")
		}
	}
}
