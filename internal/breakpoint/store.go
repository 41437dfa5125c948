package breakpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"data-rsync/internal/errs"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Checkpoint 断点历史中的一项, 回滚时按 ID 指定
type Checkpoint struct {
	ID      string    `json:"id"`
	Token   string    `json:"token"`
	SavedAt time.Time `json:"savedAt"`
}

// Store 任务断点的持久化存储。
// Set 必须在对应批次被向量库确认之后调用。
type Store interface {
	Get(ctx context.Context, taskID uint) (string, bool, error)
	Set(ctx context.Context, taskID uint, token string) (Checkpoint, error)
	Clear(ctx context.Context, taskID uint) error
	History(ctx context.Context, taskID uint) ([]Checkpoint, error)
	Restore(ctx context.Context, taskID uint, checkpointID string) (Checkpoint, error)
}

func breakpointKey(taskID uint) string { return fmt.Sprintf("task:%d:breakpoint", taskID) }
func historyKey(taskID uint) string    { return fmt.Sprintf("task:%d:breakpoint:history", taskID) }

// RedisStore 断点写 Redis, 任意实例都能读到
type RedisStore struct {
	rdb         redis.Cmdable
	historySize int
	now         func() time.Time
}

func NewRedisStore(rdb redis.Cmdable, historySize int) *RedisStore {
	if historySize <= 0 {
		historySize = 10
	}
	return &RedisStore{rdb: rdb, historySize: historySize, now: time.Now}
}

func (s *RedisStore) Get(ctx context.Context, taskID uint) (string, bool, error) {
	v, err := s.rdb.Get(ctx, breakpointKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Transient("breakpoint.get", err)
	}
	return v, true, nil
}

// Set 最后写入者生效, 同时把断点压入定长历史
func (s *RedisStore) Set(ctx context.Context, taskID uint, token string) (Checkpoint, error) {
	cp := Checkpoint{ID: uuid.NewString(), Token: token, SavedAt: s.now().UTC()}
	raw, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, breakpointKey(taskID), token, 0)
		p.LPush(ctx, historyKey(taskID), raw)
		p.LTrim(ctx, historyKey(taskID), 0, int64(s.historySize-1))
		return nil
	})
	if err != nil {
		return Checkpoint{}, errs.Transient("breakpoint.set", err)
	}
	return cp, nil
}

func (s *RedisStore) Clear(ctx context.Context, taskID uint) error {
	if err := s.rdb.Del(ctx, breakpointKey(taskID), historyKey(taskID)).Err(); err != nil {
		return errs.Transient("breakpoint.clear", err)
	}
	return nil
}

// History 最新的在前
func (s *RedisStore) History(ctx context.Context, taskID uint) ([]Checkpoint, error) {
	items, err := s.rdb.LRange(ctx, historyKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, errs.Transient("breakpoint.history", err)
	}
	out := make([]Checkpoint, 0, len(items))
	for _, it := range items {
		var cp Checkpoint
		if err := json.Unmarshal([]byte(it), &cp); err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// Restore 把断点恢复到历史中的某一项; 不在历史中的点返回 NotFound
func (s *RedisStore) Restore(ctx context.Context, taskID uint, checkpointID string) (Checkpoint, error) {
	history, err := s.History(ctx, taskID)
	if err != nil {
		return Checkpoint{}, err
	}
	for _, cp := range history {
		if cp.ID == checkpointID {
			if err := s.rdb.Set(ctx, breakpointKey(taskID), cp.Token, 0).Err(); err != nil {
				return Checkpoint{}, errs.Transient("breakpoint.restore", err)
			}
			return cp, nil
		}
	}
	return Checkpoint{}, errs.NotFoundf("breakpoint.restore", "checkpoint %s is not in the history of task %d", checkpointID, taskID)
}
