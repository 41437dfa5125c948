package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"data-rsync/internal/errs"

	"github.com/redis/go-redis/v9"
)

const payloadField = "data"

// RedisStreams 基于 Redis Stream 的队列, 一个任务一个 stream
type RedisStreams struct {
	rdb       redis.Cmdable
	block     time.Duration
	claimIdle time.Duration

	groups sync.Map // topic|group -> struct{}
}

// NewRedisStreams claimIdle > 0 时, 其他消费者挂起超过 claimIdle 的消息会被当前消费者接管
func NewRedisStreams(rdb redis.Cmdable, block, claimIdle time.Duration) *RedisStreams {
	return &RedisStreams{rdb: rdb, block: block, claimIdle: claimIdle}
}

func (q *RedisStreams) Publish(ctx context.Context, topic string, env *Envelope) (string, error) {
	raw, err := env.Marshal()
	if err != nil {
		return "", errs.Data("queue.publish", err)
	}
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{payloadField: raw},
	}).Result()
	if err != nil {
		return "", errs.Transient("queue.publish", err)
	}
	return id, nil
}

func (q *RedisStreams) ensureGroup(ctx context.Context, topic, group string) error {
	key := topic + "|" + group
	if _, ok := q.groups.Load(key); ok {
		return nil
	}
	err := q.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return errs.Transient("queue.group", err)
	}
	q.groups.Store(key, struct{}{})
	return nil
}

// Consume 读取顺序:
// 1. 本消费者未 Ack 的消息 (本进程重启后重投)
// 2. 其他消费者挂起超过 claimIdle 的消息 (消费者名变化或实例下线)
// 3. 新消息
func (q *RedisStreams) Consume(ctx context.Context, topic, group, consumer string, max int) ([]Message, error) {
	if err := q.ensureGroup(ctx, topic, group); err != nil {
		return nil, err
	}
	msgs, err := q.read(ctx, topic, group, consumer, "0", max, -1)
	if err != nil || len(msgs) > 0 {
		return msgs, err
	}
	if q.claimIdle > 0 {
		msgs, err = q.claim(ctx, topic, group, consumer, max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
	}
	block := q.block
	if block <= 0 {
		block = -1
	}
	return q.read(ctx, topic, group, consumer, ">", max, block)
}

func (q *RedisStreams) claim(ctx context.Context, topic, group, consumer string, max int) ([]Message, error) {
	claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Transient("queue.claim", err)
	}
	return q.decode(ctx, topic, group, claimed), nil
}

func (q *RedisStreams) read(ctx context.Context, topic, group, consumer, start string, max int, block time.Duration) ([]Message, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, start},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Transient("queue.consume", err)
	}
	var out []Message
	for _, stream := range res {
		out = append(out, q.decode(ctx, topic, group, stream.Messages)...)
	}
	return out, nil
}

func (q *RedisStreams) decode(ctx context.Context, topic, group string, msgs []redis.XMessage) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		raw, _ := m.Values[payloadField].(string)
		env, err := Decode([]byte(raw))
		if err != nil {
			// 无法解析的消息直接确认掉, 不阻塞后续消息
			_ = q.Ack(ctx, topic, group, m.ID)
			continue
		}
		out = append(out, Message{ID: m.ID, Envelope: env})
	}
	return out
}

// Ack 确认并删除, stream 长度即未处理积压
func (q *RedisStreams) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, topic, group, ids...)
		p.XDel(ctx, topic, ids...)
		return nil
	})
	if err != nil {
		return errs.Transient("queue.ack", err)
	}
	return nil
}

func (q *RedisStreams) Backlog(ctx context.Context, topic string) (int64, error) {
	n, err := q.rdb.XLen(ctx, topic).Result()
	if err != nil {
		return 0, errs.Transient("queue.backlog", err)
	}
	return n, nil
}

func (q *RedisStreams) Purge(ctx context.Context, topic string) error {
	if err := q.rdb.Del(ctx, topic).Err(); err != nil {
		return errs.Transient("queue.purge", err)
	}
	q.groups.Range(func(k, _ interface{}) bool {
		if strings.HasPrefix(k.(string), topic+"|") {
			q.groups.Delete(k)
		}
		return true
	})
	return nil
}
