package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"
)

// 主题类型, 每个任务一个分区
const (
	TopicDataChange = "data_change"
)

// Topic 按任务 ID 分区的主题名
func Topic(prefix, kind string, taskID uint) string {
	return fmt.Sprintf("%s:%s:%d", prefix, kind, taskID)
}

// Envelope 队列中的消息体
type Envelope struct {
	TaskID     uint                   `json:"taskId"`
	Op         model.Op               `json:"op"`
	Key        string                 `json:"key"`
	Before     map[string]interface{} `json:"before"`
	After      map[string]interface{} `json:"after"`
	ShardIndex *int                   `json:"shardIndex,omitempty"`
	Offset     int64                  `json:"offset"`
	Timestamp  int64                  `json:"timestamp"` // unix 毫秒
}

func FromEvent(ev *model.ChangeEvent) *Envelope {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Envelope{
		TaskID:     ev.TaskID,
		Op:         ev.Op,
		Key:        ev.Key,
		Before:     ev.Before,
		After:      ev.After,
		ShardIndex: ev.ShardIndex,
		Offset:     ev.Offset,
		Timestamp:  ts.UnixMilli(),
	}
}

func (e *Envelope) Event() *model.ChangeEvent {
	return &model.ChangeEvent{
		TaskID:     e.TaskID,
		Op:         e.Op,
		Key:        e.Key,
		Before:     e.Before,
		After:      e.After,
		ShardIndex: e.ShardIndex,
		Offset:     e.Offset,
		Timestamp:  time.UnixMilli(e.Timestamp).UTC(),
	}
}

func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode 数字保留整数精度, 整数解成 int64, 其余为 float64
func Decode(raw []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, errs.Data("queue.decode", err)
	}
	NormalizeNumbers(env.Before)
	NormalizeNumbers(env.After)
	return &env, nil
}

// NormalizeNumbers 把 UseNumber 解出的 json.Number 转成 int64 / float64
func NormalizeNumbers(m map[string]interface{}) {
	for k, v := range m {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if i, err := n.Int64(); err == nil {
			m[k] = i
		} else if f, err := n.Float64(); err == nil {
			m[k] = f
		} else {
			m[k] = n.String()
		}
	}
}

type Message struct {
	ID       string
	Envelope *Envelope
}

// Queue 持久化有序队列。消费者处理成功后才 Ack;
// 未 Ack 的消息在下一次 Consume 时重新投递。
type Queue interface {
	Publish(ctx context.Context, topic string, env *Envelope) (string, error)
	Consume(ctx context.Context, topic, group, consumer string, max int) ([]Message, error)
	Ack(ctx context.Context, topic, group string, ids ...string) error
	// Backlog 尚未 Ack 的消息数 (含未投递)
	Backlog(ctx context.Context, topic string) (int64, error)
	Purge(ctx context.Context, topic string) error
}
