package scanner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"
	"data-rsync/internal/retry"
	"data-rsync/internal/source"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	keys   map[string]int
	shards map[int]int
	failOn int
}

func newCollector() *collector {
	return &collector{keys: map[string]int{}, shards: map[int]int{}, failOn: -1}
}

func (c *collector) emit(_ context.Context, sh model.Shard, events []model.ChangeEvent) error {
	if sh.Index == c.failOn {
		return errs.Dataf("test.emit", "shard %d rejected", sh.Index)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range events {
		c.keys[ev.Key]++
		c.shards[*ev.ShardIndex]++
	}
	return nil
}

func setup(t *testing.T, name, ddl string, rows int, key func(i int) interface{}) (*Scanner, *model.DataSource) {
	t.Helper()
	ctx := context.Background()
	reg, err := source.NewRegistry()
	require.NoError(t, err)
	mgr := source.NewManager(reg, source.PoolConfig{MaxOpen: 1, AcquireTimeout: 5 * time.Second}, zerolog.Nop())
	t.Cleanup(mgr.Close)

	ds := &model.DataSource{Name: name, Type: model.SourceSQLite, Database: fmt.Sprintf("file:%s?mode=memory&cache=shared", name)}
	a, err := mgr.Adapter(ctx, ds)
	require.NoError(t, err)
	_, err = a.Execute(ctx, ddl)
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		_, err := a.Execute(ctx, `INSERT INTO items (id, title) VALUES (?, ?)`, key(i), fmt.Sprintf("item %d", i))
		require.NoError(t, err)
	}
	s := New(mgr, Config{MaxShards: 10, PoolSize: 8, BatchSize: 64, Retry: retry.NewFixedDelay(0, 1)}, zerolog.Nop())
	return s, ds
}

func intKeys(t *testing.T, name string, rows int) (*Scanner, *model.DataSource) {
	return setup(t, name, `CREATE TABLE items (id INTEGER PRIMARY KEY, title TEXT)`, rows, func(i int) interface{} { return i })
}

func TestScanCoversEveryRowOnce(t *testing.T) {
	s, ds := intKeys(t, "scan_cover", 1000)
	task := &model.Task{SourceTable: "items", PrimaryKey: "id", Concurrency: 4, BatchSize: 100}
	c := newCollector()

	var progress []int
	var pmu sync.Mutex
	res, err := s.Scan(context.Background(), task, ds, c.emit, Options{
		Progress: func(p int) {
			pmu.Lock()
			progress = append(progress, p)
			pmu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, KeyRange{Numeric: true, Min: 0, Max: 1000}, res.Range)
	assert.Equal(t, 4, res.ShardCount)
	assert.Equal(t, int64(1000), res.Rows)
	assert.Empty(t, res.Failed)
	assert.True(t, res.Succeeded(0))
	assert.Len(t, c.keys, 1000)
	for k, n := range c.keys {
		assert.Equal(t, 1, n, "key %s emitted more than once", k)
	}
	assert.Equal(t, map[int]int{0: 250, 1: 250, 2: 250, 3: 250}, c.shards)

	assert.True(t, sort.IntsAreSorted(progress), "progress must not go backwards")
	assert.Equal(t, 100, progress[len(progress)-1])
}

func TestScanIsolatesShardFailure(t *testing.T) {
	s, ds := intKeys(t, "scan_fail", 400)
	task := &model.Task{SourceTable: "items", PrimaryKey: "id", Concurrency: 4}
	c := newCollector()
	c.failOn = 2

	res, err := s.Scan(context.Background(), task, ds, c.emit, Options{})
	require.NoError(t, err)
	assert.Equal(t, []int{2}, res.Failed)
	assert.Len(t, res.Completed, 3)
	assert.Len(t, c.keys, 300)
	assert.False(t, res.Succeeded(0))
	assert.True(t, res.Succeeded(1))
}

func TestScanSkipsCompletedShards(t *testing.T) {
	s, ds := intKeys(t, "scan_skip", 100)
	task := &model.Task{SourceTable: "items", PrimaryKey: "id", Concurrency: 2}
	c := newCollector()

	res, err := s.Scan(context.Background(), task, ds, c.emit, Options{
		Range:      &KeyRange{Numeric: true, Min: 0, Max: 100},
		ShardCount: 2,
		Skip:       func(i int) bool { return i == 0 },
	})
	require.NoError(t, err)
	assert.Len(t, c.keys, 50)
	_, ok := c.keys["0"]
	assert.False(t, ok)
	assert.ElementsMatch(t, []int{0, 1}, res.Completed)
}

func TestScanNonIntegerKeysUsesOffsetPaging(t *testing.T) {
	s, ds := setup(t, "scan_text", `CREATE TABLE items (id TEXT PRIMARY KEY, title TEXT)`, 250,
		func(i int) interface{} { return fmt.Sprintf("k-%04d", i) })
	task := &model.Task{SourceTable: "items", PrimaryKey: "id", Concurrency: 3, BatchSize: 40}
	c := newCollector()

	res, err := s.Scan(context.Background(), task, ds, c.emit, Options{})
	require.NoError(t, err)
	assert.False(t, res.Range.Numeric)
	assert.Equal(t, int64(250), res.Range.Total)
	assert.Equal(t, 3, res.ShardCount)
	assert.Len(t, c.keys, 250)
	for _, n := range c.keys {
		assert.Equal(t, 1, n)
	}
}

func TestScanEmptyTable(t *testing.T) {
	s, ds := intKeys(t, "scan_empty", 0)
	task := &model.Task{SourceTable: "items", PrimaryKey: "id", Concurrency: 4}
	done := 0
	res, err := s.Scan(context.Background(), task, ds, newCollector().emit, Options{Progress: func(p int) { done = p }})
	require.NoError(t, err)
	assert.Zero(t, res.ShardCount)
	assert.Equal(t, 100, done)
}

func TestScanReadEventsCarrySnapshotOffset(t *testing.T) {
	s, ds := intKeys(t, "scan_offset", 5)
	task := &model.Task{SourceTable: "items", PrimaryKey: "id", Concurrency: 1}
	var got []model.ChangeEvent
	_, err := s.Scan(context.Background(), task, ds, func(_ context.Context, _ model.Shard, evs []model.ChangeEvent) error {
		got = append(got, evs...)
		return nil
	}, Options{SnapshotOffset: 77})
	require.NoError(t, err)
	require.Len(t, got, 5)
	for _, ev := range got {
		assert.Equal(t, model.OpRead, ev.Op)
		assert.Equal(t, int64(77), ev.Offset)
		assert.Equal(t, "item "+ev.Key, ev.After["title"])
	}
}

func TestScanIncludesMaxInt64Key(t *testing.T) {
	keys := []int64{-5, 0, 42, math.MaxInt64 - 1, math.MaxInt64}
	s, ds := setup(t, "scan_maxint", `CREATE TABLE items (id INTEGER PRIMARY KEY, title TEXT)`, len(keys),
		func(i int) interface{} { return keys[i] })
	task := &model.Task{SourceTable: "items", PrimaryKey: "id", Concurrency: 3}
	c := newCollector()

	res, err := s.Scan(context.Background(), task, ds, c.emit, Options{})
	require.NoError(t, err)
	assert.Equal(t, KeyRange{Numeric: true, Min: -5, Max: math.MaxInt64}, res.Range)
	assert.Empty(t, res.Failed)
	assert.Len(t, c.keys, len(keys))
	assert.Equal(t, 1, c.keys[fmt.Sprint(int64(math.MaxInt64))])
}

func TestScanSingleMaxInt64Row(t *testing.T) {
	s, ds := setup(t, "scan_maxint_one", `CREATE TABLE items (id INTEGER PRIMARY KEY, title TEXT)`, 1,
		func(int) interface{} { return int64(math.MaxInt64) })
	task := &model.Task{SourceTable: "items", PrimaryKey: "id", Concurrency: 2}
	c := newCollector()

	res, err := s.Scan(context.Background(), task, ds, c.emit, Options{})
	require.NoError(t, err)
	assert.False(t, res.Range.Empty())
	assert.Len(t, c.keys, 1)
}

func TestScanQuarantinesRowsWithoutKey(t *testing.T) {
	s, ds := setup(t, "scan_nullkey", `CREATE TABLE items (id TEXT, title TEXT)`, 30, func(i int) interface{} {
		if i%10 == 0 {
			return nil
		}
		return fmt.Sprintf("k-%02d", i)
	})
	task := &model.Task{Entity: model.Entity{ID: 3}, SourceTable: "items", PrimaryKey: "id", Concurrency: 2, BatchSize: 8}
	c := newCollector()

	var mu sync.Mutex
	var held []*model.ChangeEvent
	res, err := s.Scan(context.Background(), task, ds, c.emit, Options{
		Quarantine: func(_ context.Context, ev *model.ChangeEvent, cause error) error {
			assert.True(t, errs.IsData(cause))
			mu.Lock()
			held = append(held, ev)
			mu.Unlock()
			return nil
		},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, int64(3), res.Quarantined)
	assert.Len(t, c.keys, 27)
	require.Len(t, held, 3)
	for _, ev := range held {
		assert.Equal(t, uint(3), ev.TaskID)
		assert.Contains(t, ev.After["title"], "item ")
	}

	// 没有隔离区时该分片失败
	c = newCollector()
	res, err = s.Scan(context.Background(), task, ds, c.emit, Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Failed)
}
