package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	id        string
	raw       []byte
	delivered bool
}

type memTopic struct {
	entries []*memEntry
	notify  chan struct{}
}

// Memory 进程内队列, 单节点部署和测试使用。
// 与 RedisStreams 语义一致: 有序、Ack 后删除、未 Ack 的消息重新投递。
type Memory struct {
	mu     sync.Mutex
	seq    int64
	topics map[string]*memTopic
	block  time.Duration
}

func NewMemory(block time.Duration) *Memory {
	return &Memory{topics: make(map[string]*memTopic), block: block}
}

func (q *Memory) topic(name string) *memTopic {
	t, ok := q.topics[name]
	if !ok {
		t = &memTopic{notify: make(chan struct{})}
		q.topics[name] = t
	}
	return t
}

func (q *Memory) Publish(_ context.Context, topic string, env *Envelope) (string, error) {
	raw, err := env.Marshal()
	if err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	id := strconv.FormatInt(q.seq, 10)
	t := q.topic(topic)
	t.entries = append(t.entries, &memEntry{id: id, raw: raw})
	close(t.notify)
	t.notify = make(chan struct{})
	return id, nil
}

func (q *Memory) Consume(ctx context.Context, topic, _, _ string, max int) ([]Message, error) {
	if msgs, ok := q.take(topic, max, true); ok {
		return msgs, nil
	}
	q.mu.Lock()
	wait := q.topic(topic).notify
	q.mu.Unlock()

	if q.block > 0 {
		timer := time.NewTimer(q.block)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wait:
		}
	}
	msgs, _ := q.take(topic, max, false)
	return msgs, nil
}

// take 先返回已投递未确认的 (处理失败后重投), 再返回新消息
func (q *Memory) take(topic string, max int, pendingOnly bool) ([]Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.topic(topic)

	var out []Message
	for _, e := range t.entries {
		if e.delivered && len(out) < max {
			out = append(out, decodeEntry(e))
		}
	}
	if len(out) > 0 || pendingOnly {
		return out, len(out) > 0
	}
	for _, e := range t.entries {
		if len(out) >= max {
			break
		}
		if !e.delivered {
			e.delivered = true
			out = append(out, decodeEntry(e))
		}
	}
	return out, len(out) > 0
}

func decodeEntry(e *memEntry) Message {
	env, err := Decode(e.raw)
	if err != nil {
		env = &Envelope{}
	}
	return Message{ID: e.id, Envelope: env}
}

func (q *Memory) Ack(_ context.Context, topic, _ string, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.topic(topic)
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := t.entries[:0]
	for _, e := range t.entries {
		if !drop[e.id] {
			kept = append(kept, e)
		}
	}
	t.entries = kept
	return nil
}

func (q *Memory) Backlog(_ context.Context, topic string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.topic(topic).entries)), nil
}

func (q *Memory) Purge(_ context.Context, topic string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.topics, topic)
	return nil
}
