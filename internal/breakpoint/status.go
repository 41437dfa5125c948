package breakpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"data-rsync/internal/errs"

	"github.com/redis/go-redis/v9"
)

func statusKey(taskID uint) string   { return fmt.Sprintf("task:%d:status", taskID) }
func progressKey(taskID uint) string { return fmt.Sprintf("task:%d:progress", taskID) }

// StatusCache 任务状态/进度的跨实例视图, 7 天无更新自动过期
type StatusCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewStatusCache(rdb redis.Cmdable, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &StatusCache{rdb: rdb, ttl: ttl}
}

func (c *StatusCache) Publish(ctx context.Context, taskID uint, status string, progress int, message string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, statusKey(taskID),
			"status", status,
			"progress", progress,
			"message", message,
			"updated_at", time.Now().UTC().Format(time.RFC3339Nano),
		)
		p.Expire(ctx, statusKey(taskID), c.ttl)
		p.Set(ctx, progressKey(taskID), progress, c.ttl)
		return nil
	})
	if err != nil {
		return errs.Transient("status.publish", err)
	}
	return nil
}

// Touch 附加字段 (如监听器已投递的偏移), 同时续期
func (c *StatusCache) Touch(ctx context.Context, taskID uint, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, statusKey(taskID), fields)
		p.Expire(ctx, statusKey(taskID), c.ttl)
		return nil
	})
	if err != nil {
		return errs.Transient("status.touch", err)
	}
	return nil
}

func (c *StatusCache) Status(ctx context.Context, taskID uint) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, statusKey(taskID)).Result()
	if err != nil {
		return nil, errs.Transient("status.get", err)
	}
	return m, nil
}

func (c *StatusCache) Progress(ctx context.Context, taskID uint) (int, bool, error) {
	v, err := c.rdb.Get(ctx, progressKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errs.Transient("status.progress", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, errs.Data("status.progress", err)
	}
	return n, true, nil
}

func (c *StatusCache) Forget(ctx context.Context, taskID uint) error {
	if err := c.rdb.Del(ctx, statusKey(taskID), progressKey(taskID)).Err(); err != nil {
		return errs.Transient("status.forget", err)
	}
	return nil
}
