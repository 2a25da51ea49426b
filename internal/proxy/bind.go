package proxy

import (
	"context"
	"net"
	"time"

	"github.com/mlkmbp/socks5gate/internal/acl"
	"github.com/mlkmbp/socks5gate/internal/auth"
	"github.com/mlkmbp/socks5gate/internal/session"
	"github.com/mlkmbp/socks5gate/internal/wire"
)

// handleBind executes the BIND command: policy-check the advertised target,
// listen on an ephemeral port, send the first reply, wait for the inbound
// peer, policy-check the peer, send the second reply, relay.
//
// The second ACL evaluation treats the incoming peer's address and port as
// the destination; a block after the first reply surfaces as a
// GeneralFailure second reply.
func (p *Pipeline) handleBind(ctx context.Context, req *wire.Request, result auth.Result) {
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

	listenIP := net.IPv4zero
	if local, ok := p.conn.LocalAddr().(*net.TCPAddr); ok && local.IP != nil {
		listenIP = local.IP
	}
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: listenIP, Port: 0})
	if err != nil {
		_ = wire.WriteReply(p.conn, wire.ReplyGeneralFailure, nil)
		return
	}
	defer ln.Close()

	id := p.newSession(result, req, session.ProtocolTCP, decision)

	bound, _ := ln.Addr().(*net.TCPAddr)
	if err := wire.WriteReply(p.conn, wire.ReplySucceeded, bound); err != nil {
		p.deps.Sessions.CloseSession(id, session.StatusFailed, "reply")
		return
	}

	peer, err := p.acceptBindPeer(ctx, ln)
	if err != nil {
		_ = wire.WriteReply(p.conn, wire.ReplyGeneralFailure, nil)
		if isTimeout(err) {
			p.deps.Sessions.CloseSession(id, session.StatusClosed, "timeout")
		} else {
			p.deps.Sessions.CloseSession(id, session.StatusFailed, "accept")
		}
		return
	}

	peerAddr, _ := peer.RemoteAddr().(*net.TCPAddr)
	peerDecision := acl.Decision{Action: acl.Allow}
	if p.deps.ACL != nil && peerAddr != nil {
		peerDecision = p.deps.ACL.Evaluate(result.Principal, result.Groups, "", peerAddr.IP, uint16(peerAddr.Port), acl.ProtoTCP)
	}
	if peerDecision.Action == acl.Block {
		_ = wire.WriteReply(p.conn, wire.ReplyGeneralFailure, nil)
		_ = peer.Close()
		p.deps.Sessions.CloseSession(id, session.StatusFailed, "bind peer rejected")
		log.Infof("bind peer blocked user=%q peer=%s rule=%q", result.Principal, peer.RemoteAddr(), matchedRuleName(peerDecision))
		return
	}

	if err := wire.WriteReply(p.conn, wire.ReplySucceeded, peerAddr); err != nil {
		_ = peer.Close()
		p.deps.Sessions.CloseSession(id, session.StatusFailed, "reply")
		return
	}

	outcome := p.relayTCP(ctx, p.conn, peer, result.Principal, id)
	_ = peer.Close() // BIND peers are never pooled
	p.deps.Sessions.CloseSession(id, outcome.status, outcome.reason)
}

// acceptBindPeer waits for the remote peer under BindAcceptTimeout,
// honoring ctx cancellation through short accept deadlines.
func (p *Pipeline) acceptBindPeer(ctx context.Context, ln *net.TCPListener) (net.Conn, error) {
	deadline := time.Now().Add(p.cfg.BindAcceptTimeout)
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		step := time.Now().Add(500 * time.Millisecond)
		if step.After(deadline) {
			step = deadline
		}
		_ = ln.SetDeadline(step)
		conn, err := ln.Accept()
		if err == nil {
			return conn, nil
		}
		if isTimeout(err) {
			if time.Now().Before(deadline) {
				continue
			}
			return nil, err
		}
		return nil, err
	}
}
