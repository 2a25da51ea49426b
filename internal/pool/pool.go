// Package pool retains idle upstream TCP connections for reuse, keyed by
// destination, with per-destination and global caps, age validation, and a
// background sweep.
package pool

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mlkmbp/socks5gate/internal/logx"
	"github.com/mlkmbp/socks5gate/internal/metrics"
)

var log = logx.New(logx.WithPrefix("pool"))

// DialFunc establishes a new upstream connection for a destination key. The
// pool never holds its mutex while calling it.
type DialFunc func(ctx context.Context) (net.Conn, error)

// PooledConn is one idle entry.
type PooledConn struct {
	conn       net.Conn
	destKey    string
	createdAt  time.Time
	lastUsedAt time.Time
}

// Config tunes the pool; zero values fall back to the documented defaults.
type Config struct {
	Enabled        bool
	MaxIdlePerDest int
	MaxTotalIdle   int
	IdleTimeout    time.Duration
	ConnectTimeout time.Duration
	SweepInterval  time.Duration
}

// Stats is a point-in-time snapshot of the pool counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Idle    int
	PerDest map[string]int
}

// Pool issues upstream TCP connections with idle LIFO reuse. Each
// destination keeps a stack ordered oldest-first; acquire pops the MRU end,
// eviction removes the LRU end.
type Pool struct {
	cfg Config

	mu        sync.Mutex
	idle      map[string][]*PooledConn
	totalIdle int

	hits   atomic.Uint64
	misses atomic.Uint64

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config) *Pool {
	if cfg.MaxIdlePerDest <= 0 {
		cfg.MaxIdlePerDest = 8
	}
	if cfg.MaxTotalIdle <= 0 {
		cfg.MaxTotalIdle = 256
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 90 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = cfg.IdleTimeout / 3
		if cfg.SweepInterval < time.Second {
			cfg.SweepInterval = time.Second
		}
	}
	p := &Pool{
		cfg:    cfg,
		idle:   make(map[string][]*PooledConn),
		stopCh: make(chan struct{}),
	}
	if cfg.Enabled {
		p.wg.Add(1)
		go p.sweeper()
	}
	return p
}

// Acquire returns a reusable connection for destKey if one is idle and not
// expired; otherwise it dials a new one under ConnectTimeout. The dial
// happens outside the pool lock.
func (p *Pool) Acquire(ctx context.Context, destKey string, dial DialFunc) (net.Conn, error) {
	if p.cfg.Enabled {
		if conn := p.popValid(destKey); conn != nil {
			p.hits.Add(1)
			metrics.PoolHitsTotal.Inc()
			return conn, nil
		}
	}
	p.misses.Add(1)
	metrics.PoolMissesTotal.Inc()

	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()
	return dial(dctx)
}

// popValid pops entries from the MRU end until one passes the age check.
// Expired entries are closed and dropped; a drop counts as a miss for the
// caller, handled by returning nil.
func (p *Pool) popValid(destKey string) net.Conn {
	now := time.Now()
	var expired []*PooledConn

	p.mu.Lock()
	stack := p.idle[destKey]
	var found *PooledConn
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		p.totalIdle--
		if now.Sub(e.lastUsedAt) < p.cfg.IdleTimeout {
			found = e
			break
		}
		expired = append(expired, e)
	}
	if len(stack) == 0 {
		delete(p.idle, destKey)
	} else {
		p.idle[destKey] = stack
	}
	p.mu.Unlock()

	for _, e := range expired {
		_ = e.conn.Close()
	}
	metrics.PoolIdle.Set(float64(p.idleCount()))
	if found == nil {
		return nil
	}
	return found.conn
}

// Release inserts the connection at the MRU end of destKey's stack if caps
// permit, evicting the least-recently-used entry when a cap is hit. With
// pooling disabled the connection is simply closed.
func (p *Pool) Release(destKey string, conn net.Conn) {
	if !p.cfg.Enabled || conn == nil {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	now := time.Now()
	entry := &PooledConn{conn: conn, destKey: destKey, createdAt: now, lastUsedAt: now}
	var evicted []*PooledConn

	p.mu.Lock()
	stack := p.idle[destKey]
	if len(stack) >= p.cfg.MaxIdlePerDest {
		evicted = append(evicted, stack[0])
		stack = stack[1:]
		p.totalIdle--
	}
	p.idle[destKey] = append(stack, entry)
	p.totalIdle++
	for p.totalIdle > p.cfg.MaxTotalIdle {
		victim := p.evictGlobalLRULocked()
		if victim == nil {
			break
		}
		evicted = append(evicted, victim)
	}
	p.mu.Unlock()

	for _, e := range evicted {
		_ = e.conn.Close()
	}
	metrics.PoolIdle.Set(float64(p.idleCount()))
}

// evictGlobalLRULocked scans every destination for the oldest idle entry and
// removes it from the index.
func (p *Pool) evictGlobalLRULocked() *PooledConn {
	var victimKey string
	var victim *PooledConn
	for key, stack := range p.idle {
		if len(stack) == 0 {
			continue
		}
		if victim == nil || stack[0].lastUsedAt.Before(victim.lastUsedAt) {
			victim = stack[0]
			victimKey = key
		}
	}
	if victim == nil {
		return nil
	}
	stack := p.idle[victimKey]
	if len(stack) == 1 {
		delete(p.idle, victimKey)
	} else {
		p.idle[victimKey] = stack[1:]
	}
	p.totalIdle--
	return victim
}

func (p *Pool) idleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalIdle
}

// Stats returns hit/miss/idle counters plus per-destination occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	perDest := make(map[string]int, len(p.idle))
	for k, stack := range p.idle {
		perDest[k] = len(stack)
	}
	idle := p.totalIdle
	p.mu.Unlock()
	return Stats{
		Hits:    p.hits.Load(),
		Misses:  p.misses.Load(),
		Idle:    idle,
		PerDest: perDest,
	}
}

func (p *Pool) sweeper() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	now := time.Now()
	var expired []*PooledConn

	p.mu.Lock()
	for key, stack := range p.idle {
		kept := stack[:0]
		for _, e := range stack {
			if now.Sub(e.lastUsedAt) >= p.cfg.IdleTimeout {
				expired = append(expired, e)
				p.totalIdle--
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	p.mu.Unlock()

	for _, e := range expired {
		_ = e.conn.Close()
	}
	if len(expired) > 0 {
		log.Debugf("swept %d expired idle connections", len(expired))
		metrics.PoolIdle.Set(float64(p.idleCount()))
	}
}

// Close stops the sweeper and closes every idle connection.
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	var all []*PooledConn
	for _, stack := range p.idle {
		all = append(all, stack...)
	}
	p.idle = make(map[string][]*PooledConn)
	p.totalIdle = 0
	p.mu.Unlock()

	for _, e := range all {
		_ = e.conn.Close()
	}
	metrics.PoolIdle.Set(0)
}
