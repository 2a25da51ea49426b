package acl

import (
	"net"
	"testing"
)

func mustCompile(t *testing.T, def Action, users []UserPolicy, groups []GroupPolicy) *CompiledPolicy {
	t.Helper()
	p, err := Compile(def, users, groups)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return p
}

func TestUndeclaredGroupReferenceFailsCompile(t *testing.T) {
	_, err := Compile(Block, []UserPolicy{{Username: "alice", Groups: []string{"admins"}}}, nil)
	if err == nil {
		t.Fatal("expected compile error for undeclared group")
	}
}

func TestDuplicateGroupNameCaseInsensitive(t *testing.T) {
	_, err := Compile(Block, nil, []GroupPolicy{{Name: "Admins"}, {Name: "admins"}})
	if err == nil {
		t.Fatal("expected compile error for duplicate group name")
	}
}

// A Block rule takes priority over a lower-priority Allow rule on the
// same user.
func TestBlockPrecedesLowerPriorityAllow(t *testing.T) {
	rules := []Rule{
		{Action: Block, Priority: 1000, Destinations: []DestMatcher{{Domain: "admin.example.com"}}, Ports: []PortMatcher{{Any: true}}, Protocols: ProtoTCP | ProtoUDP},
		{Action: Allow, Priority: 100, Destinations: []DestMatcher{{WildcardLabels: []string{"*", "example", "com"}}}, Ports: []PortMatcher{{Single: 443}}, Protocols: ProtoTCP},
	}
	policy := mustCompile(t, Block, []UserPolicy{{Username: "alice", Rules: rules}}, nil)
	eng := NewEngine(policy)

	dec := eng.Evaluate("alice", nil, "admin.example.com", nil, 443, ProtoTCP)
	if dec.Action != Block || dec.MatchedRule == nil {
		t.Fatalf("expected Block on admin.example.com, got %+v", dec)
	}
}

// Scenario 3: CIDR matching.
func TestCIDRMatchesIPNotDomain(t *testing.T) {
	_, cidr, _ := net.ParseCIDR("10.0.0.0/8")
	rules := []Rule{{Action: Allow, Priority: 100, Destinations: []DestMatcher{{CIDR: cidr}}, Ports: []PortMatcher{{Single: 443}}, Protocols: ProtoTCP}}
	policy := mustCompile(t, Block, []UserPolicy{{Username: "bob", Rules: rules}}, nil)
	eng := NewEngine(policy)

	if dec := eng.Evaluate("bob", nil, "", net.IPv4(10, 1, 2, 3), 443, ProtoTCP); dec.Action != Allow {
		t.Fatalf("expected Allow for 10.1.2.3:443, got %+v", dec)
	}
	if dec := eng.Evaluate("bob", nil, "", net.IPv4(10, 1, 2, 3), 80, ProtoTCP); dec.Action != Block {
		t.Fatalf("expected default Block for 10.1.2.3:80, got %+v", dec)
	}
	if dec := eng.Evaluate("bob", nil, "example.com", nil, 443, ProtoTCP); dec.Action != Block {
		t.Fatalf("CIDR rule must not match a domain destination, got %+v", dec)
	}
}

// Scenario 4: wildcard domain matching, label-count exact.
func TestWildcardLabelCountExact(t *testing.T) {
	rules := []Rule{{Action: Allow, Destinations: []DestMatcher{{WildcardLabels: []string{"*", "dev", "example", "com"}}}, Ports: []PortMatcher{{Any: true}}, Protocols: ProtoTCP | ProtoUDP}}
	policy := mustCompile(t, Block, []UserPolicy{{Username: "carol", Rules: rules}}, nil)
	eng := NewEngine(policy)

	cases := map[string]Action{
		"api.dev.example.com":    Allow,
		"dev.example.com":        Block,
		"api.v2.dev.example.com": Block,
	}
	for domain, want := range cases {
		if dec := eng.Evaluate("carol", nil, domain, nil, 80, ProtoTCP); dec.Action != want {
			t.Errorf("domain %s: got %v want %v", domain, dec.Action, want)
		}
	}
}

func TestGroupRulesAppendedAndUnknownGroupsIgnored(t *testing.T) {
	groups := []GroupPolicy{{Name: "eng", Rules: []Rule{{Action: Allow, Priority: 50, Destinations: []DestMatcher{{Domain: "internal.example.com"}}, Ports: []PortMatcher{{Any: true}}, Protocols: ProtoTCP}}}}
	policy := mustCompile(t, Block, []UserPolicy{{Username: "dave", Groups: []string{"eng"}}}, groups)
	eng := NewEngine(policy)

	dec := eng.Evaluate("dave", []string{"ENG", "nonexistent-group"}, "internal.example.com", nil, 80, ProtoTCP)
	if dec.Action != Allow {
		t.Fatalf("expected case-insensitive group match to Allow, got %+v", dec)
	}
}

func TestHotReloadSwapsSnapshotAtomically(t *testing.T) {
	p1 := mustCompile(t, Allow, nil, nil)
	eng := NewEngine(p1)
	if dec := eng.Evaluate("anyone", nil, "example.com", nil, 80, ProtoTCP); dec.Action != Allow {
		t.Fatalf("expected default Allow before reload, got %+v", dec)
	}

	p2 := mustCompile(t, Block, nil, nil)
	eng.Publish(p2)
	if dec := eng.Evaluate("anyone", nil, "example.com", nil, 80, ProtoTCP); dec.Action != Block {
		t.Fatalf("expected default Block after reload, got %+v", dec)
	}
}
