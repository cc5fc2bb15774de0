package h2adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/imroc/h2adapter/engine"
)

// errPoolRetired is returned by a pool that was evicted from the
// PoolManager after the caller looked it up. Looking the pool up again
// yields a fresh one.
var errPoolRetired = fmt.Errorf("%w: pool retired", ErrConnectionClosed)

// ConnectionPool holds the connections to one origin and spreads streams
// across them.
type ConnectionPool struct {
	key ConnectionKey
	cfg *Config
	eng engine.Engine
	log Logger

	// dial creates and connects a new connection for the pool.
	dial func(ctx context.Context) (*Connection, error)

	mu      sync.Mutex
	conns   []*Connection            // admitting streams
	open    map[*Connection]struct{} // not yet closed, evicted ones included
	totals  MetricsSnapshot          // closed connections and failed dials
	dialing int
	retired bool // no new streams; connections close once idle
	closed  bool

	// waitCh is closed and replaced whenever a stream slot may have been
	// freed. It has its own lock so connections can signal while holding
	// theirs.
	waitMu sync.Mutex
	waitCh chan struct{}
}

func newConnectionPool(key ConnectionKey, cfg *Config, eng engine.Engine) *ConnectionPool {
	p := &ConnectionPool{
		key:    key,
		cfg:    cfg,
		eng:    eng,
		log:    cfg.Logger,
		open:   make(map[*Connection]struct{}),
		waitCh: make(chan struct{}),
	}
	p.dial = p.dialConnection
	return p
}

func (p *ConnectionPool) dialConnection(ctx context.Context) (*Connection, error) {
	c := newConnection(p.key, p.cfg, p.eng, p)
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// GetConnection returns a connection with a stream slot reserved for the
// caller. The caller must consume the reservation with CreateStream or
// give it back with ReleaseReservation.
//
// The least loaded connection wins. When every connection is full a new
// one is dialed as long as the pool is below PoolMaxSize; otherwise
// ErrCapacityExhausted is returned, or with PoolBlock the call waits for
// a slot until ctx is done.
func (p *ConnectionPool) GetConnection(ctx context.Context) (*Connection, error) {
	for {
		wait := p.waitChan()
		c, dial, err := p.pick()
		switch {
		case err != nil:
			return nil, err
		case c != nil:
			return c, nil
		case dial:
			return p.dialAndInsert(ctx)
		case !p.cfg.PoolBlock:
			return nil, ErrCapacityExhausted
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pick reserves a slot on an existing connection, or reports that a new
// one may be dialed. Connections that stopped taking streams are evicted
// and drained.
func (p *ConnectionPool) pick() (*Connection, bool, error) {
	p.mu.Lock()
	if err := p.closedErrLocked(); err != nil {
		p.mu.Unlock()
		return nil, false, err
	}

	type candidate struct {
		c      *Connection
		active int
	}
	var (
		evicted    []*Connection
		candidates []candidate
		live       = p.conns[:0]
	)
	for _, c := range p.conns {
		active, usable, room := c.admission()
		if !usable {
			evicted = append(evicted, c)
			continue
		}
		live = append(live, c)
		if room {
			candidates = append(candidates, candidate{c, active})
		}
	}
	for i := len(live); i < len(p.conns); i++ {
		p.conns[i] = nil
	}
	p.conns = live

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].active < candidates[j].active
	})
	var (
		picked *Connection
		dial   bool
	)
	for _, cand := range candidates {
		if cand.c.tryReserve() {
			picked = cand.c
			break
		}
	}
	if picked == nil && len(p.conns)+p.dialing < p.cfg.PoolMaxSize {
		p.dialing++
		dial = true
	}
	p.mu.Unlock()

	for _, c := range evicted {
		p.log.Debugf("evicting connection to %s from its pool", p.key)
		c.drain()
	}
	return picked, dial, nil
}

func (p *ConnectionPool) dialAndInsert(ctx context.Context) (*Connection, error) {
	c, err := p.dial(ctx)

	p.mu.Lock()
	p.dialing--
	if err != nil {
		if ctx.Err() == nil {
			p.totals.ConnectionErrors++
		}
		p.mu.Unlock()
		p.signal()
		return nil, err
	}
	if err := p.closedErrLocked(); err != nil {
		p.mu.Unlock()
		c.Close()
		return nil, err
	}
	if c.isClosed() {
		// It failed right after connecting; release has run or will run
		// without finding it.
		p.mu.Unlock()
		p.signal()
		return nil, &ConnectionError{Addr: p.key.Addr(), Err: ErrConnectionClosed}
	}
	reserved := c.tryReserve()
	p.conns = append(p.conns, c)
	p.open[c] = struct{}{}
	p.mu.Unlock()

	p.signal()
	if !reserved {
		return nil, ErrCapacityExhausted
	}
	return c, nil
}

func (p *ConnectionPool) closedErrLocked() error {
	switch {
	case p.closed:
		return fmt.Errorf("%w: pool for %s is closed", ErrConnectionClosed, p.key)
	case p.retired:
		return fmt.Errorf("%w: %s", errPoolRetired, p.key)
	}
	return nil
}

func (p *ConnectionPool) waitChan() <-chan struct{} {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	return p.waitCh
}

// signal wakes callers blocked in GetConnection.
func (p *ConnectionPool) signal() {
	if p == nil {
		return
	}
	p.waitMu.Lock()
	close(p.waitCh)
	p.waitCh = make(chan struct{})
	p.waitMu.Unlock()
}

// release drops the closed connection c from the pool and keeps its final
// counters. It must not be called with c's lock held.
func (p *ConnectionPool) release(c *Connection, final MetricsSnapshot) {
	if p == nil {
		return
	}
	p.mu.Lock()
	final.Connections = 0
	final.Uptime = 0
	p.totals = p.totals.Add(final)
	delete(p.open, c)
	for i, cc := range p.conns {
		if cc == c {
			copy(p.conns[i:], p.conns[i+1:])
			p.conns[len(p.conns)-1] = nil
			p.conns = p.conns[:len(p.conns)-1]
			break
		}
	}
	p.mu.Unlock()
	p.signal()
}

// retire stops admission. Connections close as soon as they are idle.
func (p *ConnectionPool) retire() {
	p.mu.Lock()
	if p.closed || p.retired {
		p.mu.Unlock()
		return
	}
	p.retired = true
	conns := append([]*Connection(nil), p.conns...)
	p.mu.Unlock()

	p.log.Debugf("retiring pool for %s", p.key)
	for _, c := range conns {
		c.drain()
	}
	p.signal()
}

// Close closes every connection of the pool. It is safe to call more than
// once.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]*Connection, 0, len(p.open))
	for c := range p.open {
		conns = append(conns, c)
	}
	p.conns = nil
	p.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	p.signal()
	return err
}

// Metrics aggregates the counters of every connection the pool ever
// held. Connections counts only those still open.
func (p *ConnectionPool) Metrics() MetricsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.totals
	for c := range p.open {
		s = s.Add(c.Metrics())
	}
	return s
}

// done reports whether the pool holds no open or dialing connection.
func (p *ConnectionPool) done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open) == 0 && p.dialing == 0
}

// Len returns the number of connections in the pool.
func (p *ConnectionPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *ConnectionPool) Key() ConnectionKey {
	return p.key
}
