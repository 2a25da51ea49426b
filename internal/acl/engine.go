package acl

import (
	"net"
	"sort"
	"sync/atomic"

	"github.com/mlkmbp/socks5gate/internal/logx"
	"github.com/mlkmbp/socks5gate/internal/resolver"
)

var log = logx.New(logx.WithPrefix("acl"))

// Engine holds the currently published CompiledPolicy behind an atomic
// pointer. Evaluators load the pointer once per call and never block a
// concurrent reload.
type Engine struct {
	current atomic.Pointer[CompiledPolicy]
}

// NewEngine builds an engine with an initial snapshot already published.
func NewEngine(initial *CompiledPolicy) *Engine {
	e := &Engine{}
	e.current.Store(initial)
	return e
}

// Publish atomically swaps in a new snapshot. In-flight Evaluate calls that
// already loaded the old pointer complete against it undisturbed.
func (e *Engine) Publish(p *CompiledPolicy) {
	e.current.Store(p)
}

// Snapshot returns the currently active policy (read-only).
func (e *Engine) Snapshot() *CompiledPolicy {
	return e.current.Load()
}

// Evaluate decides Allow/Block for
// one (principal, groups, destination, port, protocol) tuple. It performs no
// heap allocation beyond the transient combined-rule slice (bounded by the
// number of declared rules for this principal, not by total snapshot size).
func (e *Engine) Evaluate(principal string, groups []string, destHost string, destIP net.IP, port uint16, proto Protocol) Decision {
	snap := e.current.Load()
	if snap == nil {
		return Decision{Action: Block}
	}

	rules := collectRules(snap, principal, groups)
	orderRules(rules)

	isIP := destIP != nil
	domain := destHost
	for i := range rules {
		r := &rules[i]
		if !r.matchesProtocol(proto) {
			continue
		}
		if !r.matchesPort(port) {
			continue
		}
		if !r.matchesDestination(isIP, destIP, domain) {
			continue
		}
		return Decision{Action: r.Action, MatchedRule: r}
	}

	return Decision{Action: snap.DefaultAction}
}

// collectRules appends the user's own rules (if declared) followed by each
// declared group's rules in caller-given order. Groups absent from the
// snapshot are ignored silently, which is the mechanism by which arbitrary
// OS groups can be presented safely.
func collectRules(snap *CompiledPolicy, principal string, groups []string) []Rule {
	var combined []Rule
	if u, ok := snap.Users[principal]; ok {
		combined = append(combined, u.Rules...)
	}
	for _, g := range groups {
		if gp, ok := snap.Groups[normalizeGroupKey(g)]; ok {
			combined = append(combined, gp.Rules...)
		}
	}
	return combined
}

func normalizeGroupKey(g string) string {
	b := []byte(g)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// orderRules sorts so Block precedes Allow; within one action, higher
// priority precedes lower; ties resolve by insertion order (user rules
// first, then groups in caller order, each in file order) which is exactly
// the order collectRules produced, so a stable sort preserves it.
func orderRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Action != rules[j].Action {
			return rules[i].Action == Block // Block (0) sorts before Allow (1)
		}
		return rules[i].Priority > rules[j].Priority
	})
}

// ResolveDestination classifies a destination string into either an IP
// literal or a normalized domain, the same classification the matcher and
// the rule compiler both rely on.
func ResolveDestination(host string) (isIP bool, ip net.IP, domain string, err error) {
	if parsed := net.ParseIP(host); parsed != nil {
		return true, parsed, "", nil
	}
	norm, err := resolver.NormalizeDomain(host)
	if err != nil {
		return false, nil, "", err
	}
	return false, nil, norm, nil
}
