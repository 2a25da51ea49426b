package session

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mlkmbp/socks5gate/internal/logx"
	"github.com/mlkmbp/socks5gate/internal/metrics"
)

var log = logx.New(logx.WithPrefix("session"))

const shardCount = 32

type shard struct {
	mu sync.RWMutex
	m  map[string]*Session
}

// ringEntry is one closed/rejected record retained for rolling-window
// aggregation, alongside the wall-clock time it was recorded.
type ringEntry struct {
	at time.Time
	r  record
}

// Manager tracks every flow through the proxy: a sharded live map for
// O(1) per-id access under short critical sections, a bounded ring buffer
// for window-based statistics, and an async batch writer feeding Store.
type Manager struct {
	shards [shardCount]*shard

	activeCount   atomic.Int64
	rejectedTotal atomic.Int64

	ringMu  sync.Mutex
	ring    []ringEntry
	ringCap int
	ringPos int

	store Store

	batchSize     int
	batchInterval time.Duration
	inCh          chan record
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	retention       time.Duration
	cleanupInterval time.Duration
}

// Config tunes the manager's persistence and retention behavior; it mirrors
// config.SessionsConfig without importing the config package directly.
type Config struct {
	BatchSize       int
	BatchInterval   time.Duration
	QueueCapacity   int
	RingCapacity    int
	RetentionPeriod time.Duration
	CleanupInterval time.Duration
}

// NewManager constructs a manager and starts its background writer and
// retention-cleanup goroutines. Callers must call Shutdown to drain
// cleanly.
func NewManager(store Store, cfg Config) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = 10000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:           store,
		batchSize:       cfg.BatchSize,
		batchInterval:   cfg.BatchInterval,
		inCh:            make(chan record, cfg.QueueCapacity),
		ctx:             ctx,
		cancel:          cancel,
		ringCap:         cfg.RingCapacity,
		ring:            make([]ringEntry, 0, cfg.RingCapacity),
		retention:       cfg.RetentionPeriod,
		cleanupInterval: cfg.CleanupInterval,
	}
	for i := range m.shards {
		m.shards[i] = &shard{m: make(map[string]*Session)}
	}

	m.wg.Add(1)
	go m.writer()

	if store != nil && cfg.RetentionPeriod > 0 {
		m.wg.Add(1)
		go m.cleanupLoop()
	}

	return m
}

func (m *Manager) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return m.shards[h.Sum32()%shardCount]
}

// NewSession constructs an Active session, inserts it live, and increments
// the active gauge.
func (m *Manager) NewSession(user string, info ConnInfo) string {
	id := uuid.NewString()
	s := &Session{
		ID:          id,
		User:        user,
		StartedAt:   time.Now(),
		SrcIP:       info.SrcIP,
		SrcPort:     info.SrcPort,
		DstHost:     info.DstHost,
		DstPort:     info.DstPort,
		Protocol:    info.Protocol,
		Status:      StatusActive,
		Decision:    info.Decision,
		MatchedRule: info.MatchedRule,
	}
	sh := m.shardFor(id)
	sh.mu.Lock()
	sh.m[id] = s
	sh.mu.Unlock()
	m.activeCount.Add(1)
	metrics.ActiveSessions.Inc()
	metrics.SessionsTotal.Inc()
	metrics.UserSessionsTotal.WithLabelValues(user).Inc()
	return id
}

// UpdateTraffic adds to a live session's monotone counters. Unknown ids are
// ignored (the session may have just closed concurrently).
func (m *Manager) UpdateTraffic(id string, deltaSent, deltaRecv, deltaPktSent, deltaPktRecv uint64) {
	sh := m.shardFor(id)
	sh.mu.RLock()
	s, ok := sh.m[id]
	sh.mu.RUnlock()
	if !ok {
		return
	}
	addSaturating(&s.BytesSent, deltaSent)
	addSaturating(&s.BytesRecv, deltaRecv)
	s.PacketsSent.Add(deltaPktSent)
	s.PacketsRecv.Add(deltaPktRecv)
}

// addSaturating adds delta to *c without permitting a uint64 wraparound.
func addSaturating(c *atomic.Uint64, delta uint64) {
	for {
		cur := c.Load()
		next := cur + delta
		if next < cur { // overflow
			next = ^uint64(0)
		}
		if c.CompareAndSwap(cur, next) {
			return
		}
	}
}

// CloseSession transitions a live session to Closed or Failed, stamps
// ended_at/duration_s, removes it from the live map, and enqueues it for
// persistence and window aggregation exactly once.
func (m *Manager) CloseSession(id string, status Status, reason string) {
	if status != StatusClosed && status != StatusFailed {
		status = StatusClosed
	}
	sh := m.shardFor(id)
	sh.mu.Lock()
	s, ok := sh.m[id]
	if ok {
		delete(sh.m, id)
	}
	sh.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()
	dur := int64(now.Sub(s.StartedAt).Seconds())
	if dur < 0 {
		dur = 0
	}
	s.EndedAt = &now
	s.DurationS = &dur
	s.Status = status
	s.CloseReason = reason

	m.activeCount.Add(-1)
	metrics.ActiveSessions.Dec()
	metrics.SessionDuration.Observe(now.Sub(s.StartedAt).Seconds())
	metrics.BytesSentTotal.Add(float64(s.BytesSent.Load()))
	metrics.BytesReceivedTotal.Add(float64(s.BytesRecv.Load()))
	metrics.UserBandwidthBytesTotal.WithLabelValues(s.User, "sent").Add(float64(s.BytesSent.Load()))
	metrics.UserBandwidthBytesTotal.WithLabelValues(s.User, "received").Add(float64(s.BytesRecv.Load()))
	m.enqueue(recordFromSession(s))
	m.pushRing(recordFromSession(s), now)
}

// TrackRejectedSession inserts a terminal RejectedByAcl record directly,
// bypassing the live map entirely.
func (m *Manager) TrackRejectedSession(user, srcIP string, srcPort uint16, dstHost string, dstPort uint16, matchedRule string) {
	now := time.Now()
	dur := int64(0)
	r := record{
		ID:          uuid.NewString(),
		User:        user,
		StartedAt:   now,
		EndedAt:     &now,
		DurationS:   &dur,
		SrcIP:       srcIP,
		SrcPort:     srcPort,
		DstHost:     dstHost,
		DstPort:     dstPort,
		Status:      StatusRejectedByAcl,
		MatchedRule: matchedRule,
		Decision:    DecisionBlock,
	}
	m.rejectedTotal.Add(1)
	metrics.SessionsRejectedTotal.Inc()
	m.enqueue(r)
	m.pushRing(r, now)
}

// GetActiveSessions returns a point-in-time (per-entry, not globally
// atomic) snapshot of every live session.
func (m *Manager) GetActiveSessions() []Session {
	out := make([]Session, 0, m.activeCount.Load())
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, s := range sh.m {
			out = append(out, s.Snapshot())
		}
		sh.mu.RUnlock()
	}
	return out
}

// GetStats aggregates ring-buffer records whose started_at lies within
// [now-window, now], plus the current active gauge.
func (m *Manager) GetStats(window time.Duration) SessionStats {
	cutoff := time.Now().Add(-window)

	userAgg := make(map[string]*UserCount)
	destAgg := make(map[string]*DestCount)
	var acl AclCounts
	var sessionsInWindow int64
	var bytesInWindow uint64

	m.ringMu.Lock()
	entries := make([]ringEntry, len(m.ring))
	copy(entries, m.ring)
	m.ringMu.Unlock()

	for _, e := range entries {
		if e.r.StartedAt.Before(cutoff) {
			continue
		}
		sessionsInWindow++
		total := e.r.BytesSent + e.r.BytesRecv
		bytesInWindow += total

		uc, ok := userAgg[e.r.User]
		if !ok {
			uc = &UserCount{User: e.r.User}
			userAgg[e.r.User] = uc
		}
		uc.Sessions++
		uc.Bytes += total

		if e.r.DstHost != "" {
			dc, ok := destAgg[e.r.DstHost]
			if !ok {
				dc = &DestCount{Destination: e.r.DstHost}
				destAgg[e.r.DstHost] = dc
			}
			dc.Sessions++
			dc.Bytes += total
		}

		switch e.r.Decision {
		case DecisionAllow:
			acl.Allowed++
		case DecisionBlock:
			acl.Blocked++
		}
	}

	return SessionStats{
		Window:           window,
		ActiveSessions:   m.activeCount.Load(),
		SessionsInWindow: sessionsInWindow,
		BytesInWindow:    bytesInWindow,
		TopUsers:         topUsers(userAgg, 10),
		TopDestinations:  topDests(destAgg, 10),
		AclCounts:        acl,
	}
}

func topUsers(agg map[string]*UserCount, n int) []UserCount {
	out := make([]UserCount, 0, len(agg))
	for _, v := range agg {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sessions != out[j].Sessions {
			return out[i].Sessions > out[j].Sessions
		}
		return out[i].Bytes > out[j].Bytes
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topDests(agg map[string]*DestCount, n int) []DestCount {
	out := make([]DestCount, 0, len(agg))
	for _, v := range agg {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sessions != out[j].Sessions {
			return out[i].Sessions > out[j].Sessions
		}
		return out[i].Bytes > out[j].Bytes
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// QueryHistory delegates to the store.
func (m *Manager) QueryHistory(ctx context.Context, filter HistoryFilter) ([]Session, error) {
	if m.store == nil {
		return nil, nil
	}
	return m.store.Query(ctx, filter)
}

// pushRing appends to the bounded ring buffer, evicting the oldest entry
// once at capacity.
func (m *Manager) pushRing(r record, at time.Time) {
	m.ringMu.Lock()
	defer m.ringMu.Unlock()
	if len(m.ring) < m.ringCap {
		m.ring = append(m.ring, ringEntry{at: at, r: r})
		return
	}
	m.ring[m.ringPos] = ringEntry{at: at, r: r}
	m.ringPos = (m.ringPos + 1) % m.ringCap
}

// enqueue hands a terminal record to the persistence writer. UpdateTraffic
// never uses this queue (it only adds to the live in-memory counters), but
// a closed/rejected record must appear in the queue exactly once, so this
// blocks (bounded by ctx) rather than silently discarding.
func (m *Manager) enqueue(r record) {
	select {
	case m.inCh <- r:
	case <-m.ctx.Done():
	}
}

// writer drains inCh, batching by size or by batchInterval: accumulate,
// flush on count-or-tick, retain whatever the store failed to persist for
// the next flush.
func (m *Manager) writer() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var buf []record
	flush := func() {
		if len(buf) == 0 || m.store == nil {
			buf = buf[:0]
			return
		}
		if err := m.store.Save(context.Background(), buf); err != nil {
			log.Errorf("session batch flush failed, retaining %d records for retry: %v", len(buf), err)
			return
		}
		buf = buf[:0]
	}

	for {
		select {
		case <-m.ctx.Done():
			// Drain whatever remains, synchronously, per shutdown contract.
			for {
				select {
				case r := <-m.inCh:
					buf = append(buf, r)
				default:
					flush()
					return
				}
			}
		case r := <-m.inCh:
			buf = append(buf, r)
			if len(buf) >= m.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.retention)
			if err := m.store.Cleanup(context.Background(), cutoff); err != nil {
				log.Errorf("session retention cleanup failed: %v", err)
			}
		}
	}
}

// Shutdown closes every live session with reason "shutdown", drains the
// persistence queue synchronously, then returns.
func (m *Manager) Shutdown() {
	for _, sh := range m.shards {
		sh.mu.Lock()
		ids := make([]string, 0, len(sh.m))
		for id := range sh.m {
			ids = append(ids, id)
		}
		sh.mu.Unlock()
		for _, id := range ids {
			m.CloseSession(id, StatusClosed, "shutdown")
		}
	}
	m.cancel()
	m.wg.Wait()
}
