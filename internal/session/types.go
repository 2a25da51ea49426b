// Package session implements the session manager: concurrent in-memory
// tracking of live flows, batched durable history, and rolling statistics.
package session

import (
	"sync/atomic"
	"time"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive        Status = "active"
	StatusClosed        Status = "closed"
	StatusFailed        Status = "failed"
	StatusRejectedByAcl Status = "rejected_by_acl"
)

// Decision mirrors acl.Action without importing the acl package, keeping
// this package free of an ACL dependency; callers translate.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
)

// Protocol mirrors acl.Protocol as a string for the same reason.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// Session is one client-initiated flow through the proxy from authorization
// to termination. Byte/packet counters are atomic so update_traffic and
// concurrent readers (get_active_sessions, get_stats) never race.
type Session struct {
	ID        string
	User      string
	StartedAt time.Time
	EndedAt   *time.Time
	DurationS *int64

	SrcIP   string
	SrcPort uint16
	DstHost string
	DstPort uint16

	Protocol Protocol

	BytesSent   atomic.Uint64
	BytesRecv   atomic.Uint64
	PacketsSent atomic.Uint64
	PacketsRecv atomic.Uint64

	Status      Status
	CloseReason string
	MatchedRule string
	Decision    Decision
}

// Snapshot returns a value copy safe to hand to callers outside the live
// map's lock; atomic counters are read individually since Session itself is
// not copyable while counters are in use by other goroutines.
func (s *Session) Snapshot() Session {
	out := Session{
		ID:          s.ID,
		User:        s.User,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		DurationS:   s.DurationS,
		SrcIP:       s.SrcIP,
		SrcPort:     s.SrcPort,
		DstHost:     s.DstHost,
		DstPort:     s.DstPort,
		Protocol:    s.Protocol,
		Status:      s.Status,
		CloseReason: s.CloseReason,
		MatchedRule: s.MatchedRule,
		Decision:    s.Decision,
	}
	out.BytesSent.Store(s.BytesSent.Load())
	out.BytesRecv.Store(s.BytesRecv.Load())
	out.PacketsSent.Store(s.PacketsSent.Load())
	out.PacketsRecv.Store(s.PacketsRecv.Load())
	return out
}

// ConnInfo carries the fields new_session needs beyond the user principal.
type ConnInfo struct {
	SrcIP       string
	SrcPort     uint16
	DstHost     string
	DstPort     uint16
	Protocol    Protocol
	Decision    Decision
	MatchedRule string
}

// UserCount is one entry in a SessionStats top-N list.
type UserCount struct {
	User     string
	Sessions int64
	Bytes    uint64
}

// DestCount is one entry in a SessionStats top-N destination list.
type DestCount struct {
	Destination string
	Sessions    int64
	Bytes       uint64
}

// AclCounts tallies allow/block decisions observed in the aggregation window.
type AclCounts struct {
	Allowed int64
	Blocked int64
}

// SessionStats is the rolling-window aggregation returned by get_stats.
type SessionStats struct {
	Window           time.Duration
	ActiveSessions   int64
	SessionsInWindow int64
	BytesInWindow    uint64
	TopUsers         []UserCount
	TopDestinations  []DestCount
	AclCounts        AclCounts
}

// HistoryFilter narrows query_history. Zero-valued fields are unconstrained.
type HistoryFilter struct {
	ID       string
	User     string
	Status   Status
	DstHost  string
	Decision Decision
	Since    time.Time
	Until    time.Time
	Limit    int
}

// record is the flattened, immutable form pushed into the persistence queue
// and the rolling-window snapshot buffer once a session reaches a terminal
// state. Unlike Session it carries plain counters, safe to read without
// synchronization once enqueued.
type record struct {
	ID          string
	User        string
	StartedAt   time.Time
	EndedAt     *time.Time
	DurationS   *int64
	SrcIP       string
	SrcPort     uint16
	DstHost     string
	DstPort     uint16
	Protocol    Protocol
	BytesSent   uint64
	BytesRecv   uint64
	PacketsSent uint64
	PacketsRecv uint64
	Status      Status
	CloseReason string
	MatchedRule string
	Decision    Decision
}

func recordFromSession(s *Session) record {
	return record{
		ID:          s.ID,
		User:        s.User,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		DurationS:   s.DurationS,
		SrcIP:       s.SrcIP,
		SrcPort:     s.SrcPort,
		DstHost:     s.DstHost,
		DstPort:     s.DstPort,
		Protocol:    s.Protocol,
		BytesSent:   s.BytesSent.Load(),
		BytesRecv:   s.BytesRecv.Load(),
		PacketsSent: s.PacketsSent.Load(),
		PacketsRecv: s.PacketsRecv.Load(),
		Status:      s.Status,
		CloseReason: s.CloseReason,
		MatchedRule: s.MatchedRule,
		Decision:    s.Decision,
	}
}
