package acl

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileRule/fileUser/fileGroup/fileDocument are the on-disk YAML shapes; they
// are kept separate from the in-memory Rule/UserPolicy/GroupPolicy types so
// the wire format can evolve without touching the evaluator's hot path.
type fileRule struct {
	Action      string   `yaml:"action"`
	Dest        []string `yaml:"dest"`
	Ports       []string `yaml:"ports"`
	Protocols   []string `yaml:"protocols"`
	Priority    uint32   `yaml:"priority"`
	Description string   `yaml:"description"`
}

type fileUser struct {
	Username string     `yaml:"username"`
	Groups   []string   `yaml:"groups"`
	Rules    []fileRule `yaml:"rules"`
}

type fileGroup struct {
	Name  string     `yaml:"name"`
	Rules []fileRule `yaml:"rules"`
}

type fileDocument struct {
	DefaultAction string      `yaml:"default_action"`
	Users         []fileUser  `yaml:"users"`
	Groups        []fileGroup `yaml:"groups"`
}

// LoadFile reads and validates a rules file, returning a ready-to-publish
// CompiledPolicy. On any error the caller must retain the previously active
// snapshot; LoadFile itself never mutates engine state.
func LoadFile(path string) (*CompiledPolicy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return parseDocument(b)
}

func parseDocument(b []byte) (*CompiledPolicy, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	defAction, err := parseAction(doc.DefaultAction)
	if err != nil {
		return nil, fmt.Errorf("default_action: %w", err)
	}

	groups := make([]GroupPolicy, 0, len(doc.Groups))
	for _, g := range doc.Groups {
		rules, err := compileRules(g.Rules)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g.Name, err)
		}
		groups = append(groups, GroupPolicy{Name: g.Name, Rules: rules})
	}

	users := make([]UserPolicy, 0, len(doc.Users))
	for _, u := range doc.Users {
		rules, err := compileRules(u.Rules)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", u.Username, err)
		}
		users = append(users, UserPolicy{Username: u.Username, Groups: u.Groups, Rules: rules})
	}

	return Compile(defAction, users, groups)
}

func parseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return Allow, nil
	case "block", "":
		return Block, nil
	default:
		return Block, fmt.Errorf("unknown action %q", s)
	}
}

func compileRules(in []fileRule) ([]Rule, error) {
	out := make([]Rule, 0, len(in))
	for _, fr := range in {
		action, err := parseAction(fr.Action)
		if err != nil {
			return nil, err
		}
		dests, err := compileDestMatchers(fr.Dest)
		if err != nil {
			return nil, err
		}
		ports, err := compilePortMatchers(fr.Ports)
		if err != nil {
			return nil, err
		}
		proto, err := compileProtocols(fr.Protocols)
		if err != nil {
			return nil, err
		}
		out = append(out, Rule{
			Action:       action,
			Destinations: dests,
			Ports:        ports,
			Protocols:    proto,
			Priority:     fr.Priority,
			Description:  fr.Description,
		})
	}
	return out, nil
}

func compileDestMatchers(in []string) ([]DestMatcher, error) {
	out := make([]DestMatcher, 0, len(in))
	for _, d := range in {
		d = strings.TrimSpace(d)
		if _, cidr, err := net.ParseCIDR(d); err == nil {
			out = append(out, DestMatcher{CIDR: cidr})
			continue
		}
		if ip := net.ParseIP(d); ip != nil {
			out = append(out, DestMatcher{IP: ip})
			continue
		}
		if strings.Contains(d, "*") {
			out = append(out, DestMatcher{WildcardLabels: strings.Split(strings.ToLower(d), ".")})
			continue
		}
		out = append(out, DestMatcher{Domain: strings.ToLower(d)})
	}
	return out, nil
}

func compilePortMatchers(in []string) ([]PortMatcher, error) {
	if len(in) == 0 {
		return []PortMatcher{{Any: true}}, nil
	}
	out := make([]PortMatcher, 0, len(in))
	for _, p := range in {
		p = strings.TrimSpace(p)
		if p == "*" || p == "any" {
			out = append(out, PortMatcher{Any: true})
			continue
		}
		if lo, hi, ok := strings.Cut(p, "-"); ok {
			loN, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid port range %q: %w", p, err)
			}
			hiN, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
			if err != nil {
				return nil, fmt.Errorf("invalid port range %q: %w", p, err)
			}
			out = append(out, PortMatcher{Lo: uint16(loN), Hi: uint16(hiN)})
			continue
		}
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
		out = append(out, PortMatcher{Single: uint16(n)})
	}
	return out, nil
}

func compileProtocols(in []string) (Protocol, error) {
	if len(in) == 0 {
		return ProtoTCP | ProtoUDP, nil
	}
	var p Protocol
	for _, s := range in {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "tcp":
			p |= ProtoTCP
		case "udp":
			p |= ProtoUDP
		default:
			return 0, fmt.Errorf("unknown protocol %q", s)
		}
	}
	return p, nil
}
