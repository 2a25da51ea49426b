// Package qos enforces per-principal bandwidth and connection limits with
// fair sharing of unused global capacity. Token state lives in rate.Limiter
// buckets, refilled on demand from elapsed real time; a periodic rebalancer
// redistributes slack among active users.
package qos

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mlkmbp/socks5gate/internal/logx"
	"github.com/mlkmbp/socks5gate/internal/metrics"
)

var log = logx.New(logx.WithPrefix("qos"))

// Config tunes the engine. A zero GlobalBps / MaxBps means unlimited for
// that scope.
type Config struct {
	GlobalBps         int64
	GuaranteedBps     int64
	MaxBps            int64
	BurstBytes        int64
	RebalanceInterval time.Duration
	IdleTimeout       time.Duration
	MaxConnPerUser    int
	MaxConnGlobal     int
}

// userQuota is one principal's shaping state. The bucket's limit is adjusted
// by the rebalancer between GuaranteedBps and MaxBps.
type userQuota struct {
	mu           sync.Mutex
	bucket       *rate.Limiter
	activeConns  int
	lastActivity time.Time
}

// Engine is the QoS engine shared by every pipeline.
type Engine struct {
	cfg Config

	globalMu sync.Mutex
	global   *rate.Limiter

	usersMu sync.Mutex
	users   map[string]*userQuota

	connMu      sync.Mutex
	globalConns int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config) *Engine {
	if cfg.BurstBytes <= 0 {
		cfg.BurstBytes = 256 * 1024
	}
	if cfg.RebalanceInterval <= 0 {
		cfg.RebalanceInterval = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	e := &Engine{
		cfg:    cfg,
		users:  make(map[string]*userQuota),
		stopCh: make(chan struct{}),
	}
	if cfg.GlobalBps > 0 {
		e.global = rate.NewLimiter(rate.Limit(cfg.GlobalBps), safeBurst(cfg.BurstBytes))
	}
	e.wg.Add(1)
	go e.rebalancer()
	return e
}

// safeBurst clamps a byte count into rate.Limiter's int burst, guarding the
// 32-bit boundary.
func safeBurst(n int64) int {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

func (e *Engine) getUser(principal string) *userQuota {
	e.usersMu.Lock()
	defer e.usersMu.Unlock()
	u, ok := e.users[principal]
	if !ok {
		u = &userQuota{lastActivity: time.Now()}
		if e.cfg.GuaranteedBps > 0 || e.cfg.MaxBps > 0 {
			start := e.cfg.GuaranteedBps
			if start <= 0 {
				start = e.cfg.MaxBps
			}
			u.bucket = rate.NewLimiter(rate.Limit(start), safeBurst(e.cfg.BurstBytes))
		}
		e.users[principal] = u
	}
	return u
}

// Allocate grants up to requested bytes from the user's and the global
// buckets. When nothing can be granted it returns the time until the smaller
// bucket will hold at least one byte; the caller must wait that long before
// retrying. A grant never exceeds requested, and never drives a bucket
// negative.
func (e *Engine) Allocate(principal string, requested int) (granted int, wait time.Duration) {
	if requested <= 0 {
		return 0, 0
	}
	u := e.getUser(principal)
	now := time.Now()

	u.mu.Lock()
	u.lastActivity = now
	userTokens := math.Inf(1)
	if u.bucket != nil {
		userTokens = u.bucket.TokensAt(now)
	}
	e.globalMu.Lock()
	globalTokens := math.Inf(1)
	if e.global != nil {
		globalTokens = e.global.TokensAt(now)
	}

	avail := math.Min(userTokens, globalTokens)
	grant := requested
	if float64(grant) > avail {
		grant = int(avail)
	}
	if grant <= 0 {
		var userWait, globalWait time.Duration
		if u.bucket != nil {
			userWait = timeToOneToken(userTokens, float64(u.bucket.Limit()))
		}
		if e.global != nil {
			globalWait = timeToOneToken(globalTokens, float64(e.global.Limit()))
		}
		e.globalMu.Unlock()
		u.mu.Unlock()
		wait = userWait
		if globalWait > wait {
			wait = globalWait
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		metrics.QosAllocationWait.Observe(wait.Seconds())
		return 0, wait
	}

	if u.bucket != nil {
		_ = u.bucket.ReserveN(now, grant)
	}
	if e.global != nil {
		_ = e.global.ReserveN(now, grant)
	}
	e.globalMu.Unlock()
	u.mu.Unlock()
	return grant, 0
}

// timeToOneToken computes how long until a bucket holding tokens at the
// given refill rate reaches one token.
func timeToOneToken(tokens, limit float64) time.Duration {
	if limit <= 0 {
		return 0
	}
	deficit := 1 - tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / limit * float64(time.Second))
}

// ConnGuard holds one admitted connection slot; Release is idempotent.
type ConnGuard struct {
	engine    *Engine
	principal string
	once      sync.Once
}

// AcquireConn admits a connection for the principal, or reports rejection
// when either the per-user or the global cap would be exceeded.
func (e *Engine) AcquireConn(principal string) (*ConnGuard, bool) {
	u := e.getUser(principal)

	e.connMu.Lock()
	if e.cfg.MaxConnGlobal > 0 && e.globalConns >= e.cfg.MaxConnGlobal {
		e.connMu.Unlock()
		log.Warnf("global connection cap reached (%d), rejecting %q", e.cfg.MaxConnGlobal, principal)
		return nil, false
	}
	u.mu.Lock()
	if e.cfg.MaxConnPerUser > 0 && u.activeConns >= e.cfg.MaxConnPerUser {
		u.mu.Unlock()
		e.connMu.Unlock()
		log.Warnf("per-user connection cap reached (%d) for %q", e.cfg.MaxConnPerUser, principal)
		return nil, false
	}
	u.activeConns++
	u.lastActivity = time.Now()
	u.mu.Unlock()
	e.globalConns++
	e.connMu.Unlock()

	return &ConnGuard{engine: e, principal: principal}, true
}

// Release returns the slot. Safe to call more than once.
func (g *ConnGuard) Release() {
	g.once.Do(func() {
		e := g.engine
		u := e.getUser(g.principal)
		e.connMu.Lock()
		u.mu.Lock()
		if u.activeConns > 0 {
			u.activeConns--
		}
		u.mu.Unlock()
		if e.globalConns > 0 {
			e.globalConns--
		}
		e.connMu.Unlock()
	})
}

// RecordAllocated feeds the per-user bandwidth metric; the relay loop calls
// it once per granted chunk with the direction it served.
func (e *Engine) RecordAllocated(principal, direction string, n int) {
	if n > 0 {
		metrics.QosBandwidthAllocatedBytesTotal.WithLabelValues(principal, direction).Add(float64(n))
	}
}

func (e *Engine) rebalancer() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.RebalanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.rebalance()
		}
	}
}

// rebalance redistributes unused global capacity proportionally across
// active users, raising each adjusted rate no higher than MaxBps. Users idle
// beyond IdleTimeout fall back to their guaranteed rate; once idle beyond
// twice IdleTimeout with no connections, they are dropped from the map.
func (e *Engine) rebalance() {
	if e.cfg.GuaranteedBps <= 0 && e.cfg.MaxBps <= 0 {
		return
	}
	cutoff := time.Now().Add(-e.cfg.IdleTimeout)

	e.usersMu.Lock()
	type target struct {
		u      *userQuota
		active bool
	}
	targets := make([]target, 0, len(e.users))
	activeCount := 0
	for principal, u := range e.users {
		u.mu.Lock()
		active := u.lastActivity.After(cutoff) || u.activeConns > 0
		expired := !active && u.activeConns == 0 && u.lastActivity.Before(cutoff.Add(-e.cfg.IdleTimeout))
		u.mu.Unlock()
		if expired {
			delete(e.users, principal)
			continue
		}
		if active {
			activeCount++
		}
		targets = append(targets, target{u: u, active: active})
	}
	e.usersMu.Unlock()

	metrics.QosActiveUsers.Set(float64(activeCount))

	guaranteed := float64(e.cfg.GuaranteedBps)
	maxBps := float64(e.cfg.MaxBps)
	if maxBps <= 0 {
		maxBps = math.Inf(1)
	}

	var share float64
	if e.cfg.GlobalBps > 0 && activeCount > 0 {
		unused := float64(e.cfg.GlobalBps) - guaranteed*float64(activeCount)
		if unused > 0 {
			share = unused / float64(activeCount)
		}
	} else if e.cfg.GlobalBps <= 0 {
		// no global cap: every active user may run at its own max
		share = math.Inf(1)
	}

	for _, t := range targets {
		t.u.mu.Lock()
		if t.u.bucket != nil {
			adjusted := guaranteed
			if t.active {
				adjusted = math.Min(guaranteed+share, maxBps)
			}
			if adjusted <= 0 {
				adjusted = maxBps
			}
			lim := rate.Limit(adjusted)
			if math.IsInf(adjusted, 1) {
				lim = rate.Inf
			}
			if lim != t.u.bucket.Limit() {
				t.u.bucket.SetLimit(lim)
			}
		}
		t.u.mu.Unlock()
	}
}

// ActiveUsers reports how many principals currently hold QoS state.
func (e *Engine) ActiveUsers() int {
	e.usersMu.Lock()
	defer e.usersMu.Unlock()
	return len(e.users)
}

// Close stops the rebalancer.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}
