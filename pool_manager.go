package h2adapter

import (
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"

	"github.com/imroc/h2adapter/engine"
)

// PoolManager maps origins to pools. At most Config.PoolConnections pools
// are kept; the least recently used one is retired when a new origin
// needs a pool.
type PoolManager struct {
	cfg *Config
	eng engine.Engine
	log Logger

	mu      sync.Mutex
	pools   *lru.Cache[ConnectionKey, *ConnectionPool]
	retired map[*ConnectionPool]struct{} // evicted or closed, possibly still draining
	evicted []*ConnectionPool            // filled by the LRU callback under mu
	totals  MetricsSnapshot              // pools dropped from retired
	closed  bool
}

func newPoolManager(cfg *Config, eng engine.Engine) (*PoolManager, error) {
	m := &PoolManager{
		cfg:     cfg,
		eng:     eng,
		log:     cfg.Logger,
		retired: make(map[*ConnectionPool]struct{}),
	}
	pools, err := lru.NewWithEvict(cfg.PoolConnections, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("h2adapter: create pool cache: %w", err)
	}
	m.pools = pools
	return m, nil
}

// onEvict runs inside cache calls, with mu held.
func (m *PoolManager) onEvict(_ ConnectionKey, p *ConnectionPool) {
	if m.closed {
		return
	}
	m.evicted = append(m.evicted, p)
}

// GetPool returns the pool for the origin, creating it on first use.
func (m *PoolManager) GetPool(host string, port int, secure bool) (*ConnectionPool, error) {
	key := ConnectionKey{Host: strings.ToLower(host), Port: port, Secure: secure}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrAdapterClosed
	}
	if p, ok := m.pools.Get(key); ok {
		m.mu.Unlock()
		return p, nil
	}
	p := newConnectionPool(key, m.cfg, m.eng)
	m.pools.Add(key, p)
	evicted := m.evicted
	m.evicted = nil
	for _, e := range evicted {
		m.retired[e] = struct{}{}
	}
	for r := range m.retired {
		if r.done() {
			m.totals = m.totals.Add(r.Metrics())
			delete(m.retired, r)
		}
	}
	m.mu.Unlock()

	for _, e := range evicted {
		e.retire()
	}
	return p, nil
}

// Pools returns the live pools, least recently used first.
func (m *PoolManager) Pools() []*ConnectionPool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pools.Values()
}

// Metrics aggregates every connection of every pool, retired and closed
// pools included, so counters never decrease.
func (m *PoolManager) Metrics() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.totals
	for _, p := range m.pools.Values() {
		s = s.Add(p.Metrics())
	}
	for r := range m.retired {
		s = s.Add(r.Metrics())
	}
	return s
}

// Close closes every pool. Later GetPool calls return ErrAdapterClosed.
func (m *PoolManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, p := range m.pools.Values() {
		m.retired[p] = struct{}{}
	}
	m.pools.Purge()
	pools := make([]*ConnectionPool, 0, len(m.retired))
	for r := range m.retired {
		pools = append(pools, r)
	}
	m.mu.Unlock()

	var err error
	for _, p := range pools {
		err = multierr.Append(err, p.Close())
	}
	return err
}
