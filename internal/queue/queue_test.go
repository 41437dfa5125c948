package queue

import (
	"context"
	"testing"
	"time"

	"data-rsync/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(key string, offset int64) *Envelope {
	return &Envelope{
		TaskID:    1,
		Op:        model.OpUpdate,
		Key:       key,
		After:     map[string]interface{}{"id": offset, "name": "n-" + key},
		Offset:    offset,
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestEnvelopeRoundTripKeepsIntegers(t *testing.T) {
	shard := 2
	ev := &model.ChangeEvent{
		TaskID:     9,
		Op:         model.OpRead,
		Key:        "42",
		After:      map[string]interface{}{"id": int64(9007199254740993), "score": 1.5, "name": "x"},
		ShardIndex: &shard,
		Timestamp:  time.UnixMilli(1700000000000),
	}
	raw, err := FromEvent(ev).Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"taskId":9`)
	assert.Contains(t, string(raw), `"shardIndex":2`)

	env, err := Decode(raw)
	require.NoError(t, err)
	back := env.Event()
	assert.Equal(t, int64(9007199254740993), back.After["id"])
	assert.Equal(t, 1.5, back.After["score"])
	assert.Equal(t, 2, *back.ShardIndex)
	assert.Equal(t, ev.Timestamp.UnixMilli(), back.Timestamp.UnixMilli())

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "rsync:topic:data_change:12", Topic("rsync:topic", TopicDataChange, 12))
}

// 两种实现共享同一组语义用例
func exerciseQueue(t *testing.T, q Queue) {
	ctx := context.Background()
	topic := Topic("test", TopicDataChange, 1)

	for i := int64(1); i <= 3; i++ {
		_, err := q.Publish(ctx, topic, envelope("k", i))
		require.NoError(t, err)
	}
	n, err := q.Backlog(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	msgs, err := q.Consume(ctx, topic, "g", "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].Envelope.Offset)
	assert.Equal(t, int64(2), msgs[1].Envelope.Offset)

	// 未确认的消息重新投递
	again, err := q.Consume(ctx, topic, "g", "c1", 10)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, msgs[0].ID, again[0].ID)

	require.NoError(t, q.Ack(ctx, topic, "g", msgs[0].ID, msgs[1].ID))
	n, _ = q.Backlog(ctx, topic)
	assert.Equal(t, int64(1), n)

	rest, err := q.Consume(ctx, topic, "g", "c1", 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(3), rest[0].Envelope.Offset)
	require.NoError(t, q.Ack(ctx, topic, "g", rest[0].ID))

	empty, err := q.Consume(ctx, topic, "g", "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = q.Publish(ctx, topic, envelope("z", 4))
	require.NoError(t, err)
	require.NoError(t, q.Purge(ctx, topic))
	n, _ = q.Backlog(ctx, topic)
	assert.Zero(t, n)
}

func TestRedisStreams(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	exerciseQueue(t, NewRedisStreams(rdb, -1, 0))
}

func TestRedisStreamsRedeliversAfterRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	topic := Topic("test", TopicDataChange, 7)

	first := NewRedisStreams(rdb, -1, 0)
	for i := int64(1); i <= 3; i++ {
		_, err := first.Publish(ctx, topic, envelope("k", i))
		require.NoError(t, err)
	}
	msgs, err := first.Consume(ctx, topic, "g", "node-a", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// 同名消费者重启后先拿回自己挂起的消息
	restarted := NewRedisStreams(rdb, -1, 0)
	again, err := restarted.Consume(ctx, topic, "g", "node-a", 10)
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, msgs[0].ID, again[0].ID)
	assert.Equal(t, msgs[1].ID, again[1].ID)
}

func TestRedisStreamsClaimsFromIdleConsumer(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	topic := Topic("test", TopicDataChange, 8)

	dead := NewRedisStreams(rdb, -1, 0)
	for i := int64(1); i <= 2; i++ {
		_, err := dead.Publish(ctx, topic, envelope("k", i))
		require.NoError(t, err)
	}
	msgs, err := dead.Consume(ctx, topic, "g", "node-a", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	// node-a 不再出现; 换了名字的实例在挂起超过 claimIdle 后接管
	q := NewRedisStreams(rdb, -1, 200*time.Millisecond)
	none, err := q.Consume(ctx, topic, "g", "node-b", 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	var claimed []Message
	require.Eventually(t, func() bool {
		claimed, err = q.Consume(ctx, topic, "g", "node-b", 10)
		return err == nil && len(claimed) == 2
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(1), claimed[0].Envelope.Offset)
	assert.Equal(t, int64(2), claimed[1].Envelope.Offset)

	require.NoError(t, q.Ack(ctx, topic, "g", claimed[0].ID, claimed[1].ID))
	n, err := q.Backlog(ctx, topic)
	require.NoError(t, err)
	assert.Zero(t, n)

	// 接管后归 node-b 所有, 没有确认前按自己的挂起消息重投
	_, err = q.Publish(ctx, topic, envelope("k", 3))
	require.NoError(t, err)
	fresh, err := q.Consume(ctx, topic, "g", "node-b", 10)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	again, err := q.Consume(ctx, topic, "g", "node-b", 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, fresh[0].ID, again[0].ID)
}

func TestMemory(t *testing.T) {
	exerciseQueue(t, NewMemory(0))
}

func TestMemoryConsumeWakesOnPublish(t *testing.T) {
	q := NewMemory(5 * time.Second)
	ctx := context.Background()
	topic := Topic("test", TopicDataChange, 2)

	done := make(chan []Message, 1)
	go func() {
		msgs, _ := q.Consume(ctx, topic, "g", "c", 10)
		done <- msgs
	}()
	time.Sleep(20 * time.Millisecond)
	_, err := q.Publish(ctx, topic, envelope("a", 1))
	require.NoError(t, err)

	select {
	case msgs := <-done:
		require.Len(t, msgs, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not wake up")
	}
}

func TestMemoryConsumeHonoursContext(t *testing.T) {
	q := NewMemory(time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Consume(ctx, "t", "g", "c", 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
