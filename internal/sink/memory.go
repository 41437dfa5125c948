package sink

import (
	"context"
	"sync"

	"data-rsync/internal/errs"
)

type memCollection struct {
	spec    CollectionSpec
	points  map[string]Point
	indexed bool
	// 建索引后还需要被查询几次才可见, 模拟异步生效
	indexPending int
}

// MemoryStore 进程内向量库, 单节点和测试使用
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string]*memCollection

	// IndexDelay 索引创建后 HasKeyIndex 返回 false 的次数
	IndexDelay int
	// FailUpserts 接下来若干次 Upsert 返回瞬时错误
	FailUpserts int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

func (m *MemoryStore) collection(name string) (*memCollection, error) {
	c, ok := m.collections[name]
	if !ok {
		return nil, errs.NotFoundf("memory.collection", "collection %s not found", name)
	}
	return c, nil
}

func (m *MemoryStore) CollectionExists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m *MemoryStore) CreateCollection(_ context.Context, spec CollectionSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[spec.Name]; ok {
		return nil
	}
	m.collections[spec.Name] = &memCollection{spec: spec, points: make(map[string]Point)}
	return nil
}

func (m *MemoryStore) DropCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *MemoryStore) CreateKeyIndex(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(name)
	if err != nil {
		return err
	}
	if !c.indexed {
		c.indexed = true
		c.indexPending = m.IndexDelay
	}
	return nil
}

func (m *MemoryStore) HasKeyIndex(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(name)
	if err != nil {
		return false, err
	}
	if c.indexed && c.indexPending > 0 {
		c.indexPending--
		return false, nil
	}
	return c.indexed, nil
}

func (m *MemoryStore) Upsert(_ context.Context, name string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailUpserts > 0 {
		m.FailUpserts--
		return errs.Transientf("memory.upsert", "injected failure")
	}
	c, err := m.collection(name)
	if err != nil {
		return err
	}
	for _, p := range points {
		if len(p.Vector) != c.spec.Dimension {
			return errs.Dataf("memory.upsert", "point %s has %d dimensions, collection wants %d",
				p.Key, len(p.Vector), c.spec.Dimension)
		}
	}
	for _, p := range points {
		p.Fields = JSONSafe(p.Fields)
		c.points[p.Key] = p
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, name string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(name)
	if err != nil {
		return err
	}
	for _, k := range keys {
		delete(c.points, k)
	}
	return nil
}

func (m *MemoryStore) Count(_ context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(name)
	if err != nil {
		return 0, err
	}
	return int64(len(c.points)), nil
}

func (m *MemoryStore) Get(_ context.Context, name string, keys []string) (map[string]Point, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.collection(name)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Point, len(keys))
	for _, k := range keys {
		if p, ok := c.points[k]; ok {
			out[k] = p
		}
	}
	return out, nil
}
