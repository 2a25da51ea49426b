// Package proxy drives one client connection through the SOCKS5 state
// machine: negotiation, authentication, policy, command execution, and the
// relay loop, composing the wire codec, resolver, ACL, session, pool, and
// QoS components.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/mlkmbp/socks5gate/internal/acl"
	"github.com/mlkmbp/socks5gate/internal/auth"
	"github.com/mlkmbp/socks5gate/internal/logx"
	"github.com/mlkmbp/socks5gate/internal/pool"
	"github.com/mlkmbp/socks5gate/internal/qos"
	"github.com/mlkmbp/socks5gate/internal/resolver"
	"github.com/mlkmbp/socks5gate/internal/session"
	"github.com/mlkmbp/socks5gate/internal/wire"
)

var log = logx.New(logx.WithPrefix("proxy"))

// Config carries the pipeline's deadlines and relay tunables.
type Config struct {
	NegotiateTimeout            time.Duration
	ConnectTimeout              time.Duration
	BindAcceptTimeout           time.Duration
	UDPIdleTimeout              time.Duration
	TrafficUpdatePacketInterval int
	RelayBufferSize             int
}

func (c *Config) applyDefaults() {
	if c.NegotiateTimeout <= 0 {
		c.NegotiateTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.BindAcceptTimeout <= 0 {
		c.BindAcceptTimeout = 300 * time.Second
	}
	if c.UDPIdleTimeout <= 0 {
		c.UDPIdleTimeout = 120 * time.Second
	}
	if c.TrafficUpdatePacketInterval <= 0 {
		c.TrafficUpdatePacketInterval = 10
	}
	if c.RelayBufferSize <= 0 {
		c.RelayBufferSize = 32 * 1024
	}
}

// Deps bundles the collaborating components. ACL may be nil when policy
// enforcement is disabled; every destination is then allowed.
type Deps struct {
	ACL      *acl.Engine
	Sessions *session.Manager
	Pool     *pool.Pool
	Qos      *qos.Engine
	Resolver *resolver.Resolver
	Auth     auth.Authenticator
}

// Pipeline handles exactly one accepted client connection.
type Pipeline struct {
	deps Deps
	cfg  Config
	conn net.Conn

	srcIP   string
	srcPort uint16
}

func NewPipeline(conn net.Conn, deps Deps, cfg Config) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{deps: deps, cfg: cfg, conn: conn}
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		p.srcIP = addr.IP.String()
		p.srcPort = uint16(addr.Port)
	}
	return p
}

// Run drives the connection to a terminal state. It always closes the
// client socket before returning.
func (p *Pipeline) Run(ctx context.Context) {
	defer p.conn.Close()

	_ = p.conn.SetDeadline(time.Now().Add(p.cfg.NegotiateTimeout))

	result, ok := p.negotiate(ctx)
	if !ok {
		return
	}

	req, err := wire.ReadRequest(p.conn)
	if err != nil {
		p.replyProtocolError(err)
		return
	}

	_ = p.conn.SetDeadline(time.Time{})

	switch req.Cmd {
	case wire.CmdConnect:
		p.handleConnect(ctx, req, result)
	case wire.CmdBind:
		p.handleBind(ctx, req, result)
	case wire.CmdUDPAssociate:
		p.handleUDPAssociate(ctx, req, result)
	}
}

// negotiate completes greeting, method selection, and sub-negotiation,
// returning the authenticated principal.
func (p *Pipeline) negotiate(ctx context.Context) (auth.Result, bool) {
	var zero auth.Result

	greeting, err := wire.ReadGreeting(p.conn)
	if err != nil {
		var perr *wire.ProtocolError
		if errors.As(err, &perr) {
			_ = wire.WriteMethodSelection(p.conn, wire.MethodNoneAcceptable)
		}
		log.Debugf("greeting failed from=%s: %v", p.conn.RemoteAddr(), err)
		return zero, false
	}

	method := wire.SelectMethod(greeting.Methods, p.deps.Auth.Methods())
	if method == wire.MethodNoneAcceptable {
		_ = wire.WriteMethodSelection(p.conn, wire.MethodNoneAcceptable)
		log.Debugf("no acceptable method from=%s offered=%v", p.conn.RemoteAddr(), greeting.Methods)
		return zero, false
	}
	if err := wire.WriteMethodSelection(p.conn, method); err != nil {
		return zero, false
	}

	switch method {
	case wire.MethodNoAuth:
		result, err := p.deps.Auth.Authenticate(ctx, method, p.conn.RemoteAddr(), nil)
		if err != nil {
			return zero, false
		}
		return result, true

	case wire.MethodUserPass:
		req, err := wire.ReadUserPassRequest(p.conn)
		if err != nil {
			log.Debugf("userpass sub-negotiation failed from=%s: %v", p.conn.RemoteAddr(), err)
			_ = wire.WriteUserPassReply(p.conn, false)
			return zero, false
		}
		creds := &auth.Credentials{Username: req.Username, Password: req.Password}
		result, err := p.deps.Auth.Authenticate(ctx, method, p.conn.RemoteAddr(), creds)
		if err != nil {
			log.Infof("auth failed from=%s user=%q: %v", p.conn.RemoteAddr(), req.Username, err)
			_ = wire.WriteUserPassReply(p.conn, false)
			return zero, false
		}
		if err := wire.WriteUserPassReply(p.conn, true); err != nil {
			return zero, false
		}
		return result, true

	default:
		return zero, false
	}
}

// replyProtocolError answers a framing violation with the reply octet it
// carries, or a general failure for plain I/O errors.
func (p *Pipeline) replyProtocolError(err error) {
	var perr *wire.ProtocolError
	if errors.As(err, &perr) && !perr.NoAuth {
		rep := perr.Reply
		if rep == 0 {
			rep = wire.ReplyGeneralFailure
		}
		_ = wire.WriteReply(p.conn, rep, nil)
	}
	log.Debugf("request failed from=%s: %v", p.conn.RemoteAddr(), err)
}

// evaluateACL classifies the destination and applies the policy snapshot.
// With no ACL engine configured everything is allowed.
func (p *Pipeline) evaluateACL(result auth.Result, dst wire.Address, port uint16, proto acl.Protocol) (acl.Decision, error) {
	if p.deps.ACL == nil {
		return acl.Decision{Action: acl.Allow}, nil
	}
	isIP, ip, domain, err := acl.ResolveDestination(dst.String())
	if err != nil {
		return acl.Decision{}, err
	}
	host := domain
	if isIP {
		host = ""
	}
	return p.deps.ACL.Evaluate(result.Principal, result.Groups, host, ip, port, proto), nil
}

func matchedRuleName(d acl.Decision) string {
	if d.MatchedRule == nil {
		return ""
	}
	return d.MatchedRule.Name()
}

// rejectByACL sends NotAllowed and records the terminal rejected session.
func (p *Pipeline) rejectByACL(result auth.Result, req *wire.Request, d acl.Decision) {
	_ = wire.WriteReply(p.conn, wire.ReplyNotAllowed, nil)
	p.deps.Sessions.TrackRejectedSession(result.Principal, p.srcIP, p.srcPort, req.DstAddr.String(), req.DstPort, matchedRuleName(d))
	log.Infof("acl block user=%q dst=%s:%d rule=%q", result.Principal, req.DstAddr, req.DstPort, matchedRuleName(d))
}

// newSession registers the allowed flow with the session manager.
func (p *Pipeline) newSession(result auth.Result, req *wire.Request, proto session.Protocol, d acl.Decision) string {
	return p.deps.Sessions.NewSession(result.Principal, session.ConnInfo{
		SrcIP:       p.srcIP,
		SrcPort:     p.srcPort,
		DstHost:     req.DstAddr.String(),
		DstPort:     req.DstPort,
		Protocol:    proto,
		Decision:    session.DecisionAllow,
		MatchedRule: matchedRuleName(d),
	})
}

// handleConnect executes the CONNECT command: policy, QoS admission,
// resolution, pooled dial, reply, relay.
func (p *Pipeline) handleConnect(ctx context.Context, req *wire.Request, result auth.Result) {
	decision, err := p.evaluateACL(result, req.DstAddr, req.DstPort, acl.ProtoTCP)
	if err != nil {
		_ = wire.WriteReply(p.conn, wire.ReplyHostUnreachable, nil)
		return
	}
	if decision.Action == acl.Block {
		p.rejectByACL(result, req, decision)
		return
	}

	guard, admitted := p.deps.Qos.AcquireConn(result.Principal)
	if !admitted {
		_ = wire.WriteReply(p.conn, wire.ReplyGeneralFailure, nil)
		id := p.newSession(result, req, session.ProtocolTCP, decision)
		p.deps.Sessions.CloseSession(id, session.StatusFailed, "qos")
		return
	}
	defer guard.Release()

	id := p.newSession(result, req, session.ProtocolTCP, decision)

	candidates, err := p.deps.Resolver.Resolve(ctx, req.DstAddr, req.DstPort)
	if err != nil {
		_ = wire.WriteReply(p.conn, wire.ReplyHostUnreachable, nil)
		p.deps.Sessions.CloseSession(id, session.StatusFailed, "resolve")
		return
	}

	destKey := net.JoinHostPort(req.DstAddr.String(), strconv.Itoa(int(req.DstPort)))
	upstream, err := p.acquireUpstream(ctx, destKey, candidates)
	if err != nil {
		if ctx.Err() == nil {
			_ = wire.WriteReply(p.conn, mapErrorToReply(err), nil)
		}
		p.deps.Sessions.CloseSession(id, session.StatusFailed, "connect")
		log.Debugf("connect failed user=%q dst=%s: %v", result.Principal, destKey, err)
		return
	}

	bound, _ := upstream.LocalAddr().(*net.TCPAddr)
	if err := wire.WriteReply(p.conn, wire.ReplySucceeded, bound); err != nil {
		_ = upstream.Close()
		p.deps.Sessions.CloseSession(id, session.StatusFailed, "reply")
		return
	}

	outcome := p.relayTCP(ctx, p.conn, upstream, result.Principal, id)
	if outcome.release {
		p.deps.Pool.Release(destKey, upstream)
	}
	p.deps.Sessions.CloseSession(id, outcome.status, outcome.reason)
}

// acquireUpstream asks the pool for a connection, dialing resolver
// candidates in order on a miss. While the dial is in flight a short-poll
// reader watches the client socket so an early hang-up cancels the dial
// instead of letting it run to its full timeout.
func (p *Pipeline) acquireUpstream(ctx context.Context, destKey string, candidates []*net.TCPAddr) (net.Conn, error) {
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dialDone := make(chan struct{})
	monitorExited := make(chan struct{})
	go func() {
		defer close(monitorExited)
		buf := make([]byte, 1)
		for {
			select {
			case <-dialDone:
				return
			default:
			}
			_ = p.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
			_, err := p.conn.Read(buf)
			select {
			case <-dialDone:
				return
			default:
			}
			if err != nil {
				if isTimeout(err) {
					continue
				}
				cancel()
				return
			}
			// data before the reply is a protocol violation
			cancel()
			return
		}
	}()

	var dialer net.Dialer
	conn, err := p.deps.Pool.Acquire(dctx, destKey, func(dialCtx context.Context) (net.Conn, error) {
		return resolver.DialOrdered(dialCtx, candidates, func(c context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(c, "tcp", addr)
		})
	})

	close(dialDone)
	_ = p.conn.SetReadDeadline(time.Now().Add(-time.Second))
	<-monitorExited
	_ = p.conn.SetReadDeadline(time.Time{})

	if err != nil && dctx.Err() == context.Canceled && ctx.Err() == nil {
		return nil, fmt.Errorf("client disconnected during dial to %s", destKey)
	}
	return conn, err
}
