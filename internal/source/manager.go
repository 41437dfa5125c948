package source

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"sync"
	"time"

	"data-rsync/internal/core"
	"data-rsync/internal/errs"
	"data-rsync/internal/model"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

type PoolConfig struct {
	MaxOpen        int
	AcquireTimeout time.Duration
	PingTimeout    time.Duration
}

// pool 同一个 (类型, host, port, db, user) 共享一个连接池
type pool struct {
	db             *sql.DB
	st             core.SourceType
	ds             model.DataSource
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
}

// acquire 池耗尽时最多等待 acquireTimeout, 超时返回可重试错误
func (p *pool) acquire(ctx context.Context) (func(), error) {
	actx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}
	if err := p.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Transient("source.acquire", errors.New("connection pool exhausted")).
			WithField("pool", p.ds.PoolKey())
	}
	return func() { p.sem.Release(1) }, nil
}

// Manager 管理所有数据源的连接池, 可并发使用
type Manager struct {
	registry *core.Registry
	cfg      PoolConfig
	log      zerolog.Logger

	mu    sync.Mutex
	pools map[string]*pool
}

func NewManager(registry *core.Registry, cfg PoolConfig, log zerolog.Logger) *Manager {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 10
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}
	return &Manager{
		registry: registry,
		cfg:      cfg,
		log:      log.With().Str("component", "source").Logger(),
		pools:    make(map[string]*pool),
	}
}

func (m *Manager) Registry() *core.Registry {
	return m.registry
}

// Adapter 返回数据源对应的适配器, 首次调用时建立连接池
func (m *Manager) Adapter(ctx context.Context, ds *model.DataSource) (Adapter, error) {
	if err := m.registry.Validate(ds); err != nil {
		return nil, err
	}
	key := ds.PoolKey()

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[key]; ok {
		return &sqlAdapter{pool: p}, nil
	}

	st, err := m.registry.Lookup(ds.Type)
	if err != nil {
		return nil, err
	}
	dsn, err := st.DSN(ds)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(st.DriverName, dsn)
	if err != nil {
		return nil, errs.Config("source.open", err)
	}
	maxOpen := m.cfg.MaxOpen
	if st.Name == model.SourceSQLite {
		// sqlite 单写者, 内存库还要求所有操作落在同一个连接上
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, classify("source.connect", err)
	}

	p := &pool{
		db:             db,
		st:             st,
		ds:             *ds,
		sem:            semaphore.NewWeighted(int64(maxOpen)),
		acquireTimeout: m.cfg.AcquireTimeout,
	}
	m.pools[key] = p
	m.log.Info().Str("pool", key).Int("max_open", maxOpen).Msg("数据源连接池已建立")
	return &sqlAdapter{pool: p}, nil
}

// Evict 关闭单个数据源的连接池 (数据源删除或修改后)
func (m *Manager) Evict(ds *model.DataSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ds.PoolKey()
	if p, ok := m.pools[key]; ok {
		_ = p.db.Close()
		delete(m.pools, key)
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, p := range m.pools {
		if err := p.db.Close(); err != nil {
			m.log.Warn().Err(err).Str("pool", key).Msg("关闭连接池失败")
		}
		delete(m.pools, key)
	}
}

// classify 连接/超时类错误标记为可重试
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, driver.ErrBadConn), errors.As(err, &ne):
		return errs.Transient(op, err)
	}
	var se *errs.SyncError
	if errors.As(err, &se) {
		return err
	}
	return errs.Transient(op, err)
}
