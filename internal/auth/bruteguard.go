package auth

import (
	"strings"
	"sync"
	"time"

	"github.com/mlkmbp/socks5gate/internal/logx"
)

// GuardConfig tunes the anti-bruteforce guard consulted before credential
// checks.
type GuardConfig struct {
	// Window is the failure-count span; fails soft-reset after it passes
	// without touching an already-applied lock.
	Window time.Duration

	// MaxFails triggers a flat Cooldown lock; below it, failures back off
	// exponentially from BaseBackoff up to MaxBackoff.
	MaxFails    int
	Cooldown    time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	GCInterval time.Duration
	AliveFor   time.Duration
}

func defaultGuardConfig() GuardConfig {
	return GuardConfig{
		Window:      15 * time.Minute,
		MaxFails:    10,
		Cooldown:    15 * time.Minute,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  30 * time.Second,
		GCInterval:  time.Minute,
		AliveFor:    24 * time.Hour,
	}
}

type guardEntry struct {
	fails       int
	lastFail    time.Time
	lockedUntil time.Time
	lastSeen    time.Time
}

// Guard tracks authentication failures keyed by peer IP, username, and the
// (ip, username) pair, locking out repeat offenders.
type Guard struct {
	cfg GuardConfig

	mu     sync.Mutex
	store  map[string]*guardEntry
	lastGC time.Time
	now    func() time.Time

	log *logx.Logger
}

func NewGuard(cfg GuardConfig) *Guard {
	def := defaultGuardConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxFails <= 0 {
		cfg.MaxFails = def.MaxFails
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = def.GCInterval
	}
	if cfg.AliveFor <= 0 {
		cfg.AliveFor = def.AliveFor
	}
	return &Guard{
		cfg:   cfg,
		store: make(map[string]*guardEntry, 1024),
		now:   time.Now,
		log:   logx.New(logx.WithPrefix("bruteguard")),
	}
}

// Allow reports whether an authentication attempt may proceed, and how long
// the caller should tell the peer to wait otherwise.
func (g *Guard) Allow(ip, user string) (ok bool, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gcIfNeeded()

	now := g.now()
	var next time.Time
	for _, k := range guardKeys(ip, user) {
		if e := g.get(k, now); e != nil && e.lockedUntil.After(next) {
			next = e.lockedUntil
		}
	}
	if next.After(now) {
		wait := next.Sub(now)
		g.log.Debugf("blocked ip=%q user=%q wait=%s", ip, user, wait)
		return false, wait
	}
	return true, 0
}

// Fail records one failed attempt; unknown-user and wrong-password failures
// count alike.
func (g *Guard) Fail(ip, user string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gcIfNeeded()

	now := g.now()
	for _, k := range guardKeys(ip, user) {
		e := g.getOrCreate(k, now)
		e.fails++
		e.lastFail = now
		e.lastSeen = now

		if g.cfg.MaxFails > 0 && e.fails >= g.cfg.MaxFails {
			e.lockedUntil = now.Add(g.cfg.Cooldown)
			continue
		}
		backoff := g.cfg.BaseBackoff
		for i := 1; i < e.fails; i++ {
			backoff *= 2
			if backoff >= g.cfg.MaxBackoff {
				backoff = g.cfg.MaxBackoff
				break
			}
		}
		if until := now.Add(backoff); until.After(e.lockedUntil) {
			e.lockedUntil = until
		}
	}
}

// Success clears the user-scoped counters after a successful login. The
// bare-IP counter is deliberately retained.
func (g *Guard) Success(ip, user string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	user = strings.TrimSpace(user)
	ip = strings.TrimSpace(ip)
	keys := make([]string, 0, 2)
	if user != "" {
		keys = append(keys, "user:"+user)
	}
	if ip != "" && user != "" {
		keys = append(keys, "ipuser:"+ip+"|"+user)
	}
	for _, k := range keys {
		if e := g.get(k, now); e != nil {
			e.fails = 0
			e.lockedUntil = time.Time{}
			e.lastSeen = now
		}
	}
}

func (g *Guard) get(k string, now time.Time) *guardEntry {
	e := g.store[k]
	if e == nil {
		return nil
	}
	// soft-reset fails outside the window; keep lockedUntil so a short
	// window cannot unlock an active cooldown early
	if g.cfg.Window > 0 && !e.lastFail.IsZero() && now.Sub(e.lastFail) > g.cfg.Window {
		e.fails = 0
	}
	e.lastSeen = now
	return e
}

func (g *Guard) getOrCreate(k string, now time.Time) *guardEntry {
	if e := g.get(k, now); e != nil {
		return e
	}
	e := &guardEntry{lastSeen: now}
	g.store[k] = e
	return e
}

func (g *Guard) gcIfNeeded() {
	now := g.now()
	if now.Sub(g.lastGC) < g.cfg.GCInterval {
		return
	}
	g.lastGC = now
	for k, e := range g.store {
		if now.Sub(e.lastSeen) > g.cfg.AliveFor {
			delete(g.store, k)
		}
	}
}

func guardKeys(ip, user string) []string {
	ip = strings.TrimSpace(ip)
	user = strings.TrimSpace(user)
	switch {
	case ip != "" && user != "":
		return []string{"ip:" + ip, "user:" + user, "ipuser:" + ip + "|" + user}
	case ip != "":
		return []string{"ip:" + ip}
	case user != "":
		return []string{"user:" + user}
	default:
		return nil
	}
}
