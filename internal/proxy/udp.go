package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mlkmbp/socks5gate/internal/acl"
	"github.com/mlkmbp/socks5gate/internal/auth"
	"github.com/mlkmbp/socks5gate/internal/session"
	"github.com/mlkmbp/socks5gate/internal/wire"
)

const (
	maxUDPPacket = 64 * 1024
	udpReadPoll  = 200 * time.Millisecond
)

// udpFlow records one client-to-destination mapping with its idle timer.
type udpFlow struct {
	client   *net.UDPAddr
	lastSeen time.Time
}

// udpRelay forwards datagrams between the client and arbitrary
// destinations, bound to the lifetime of the parent TCP control channel.
type udpRelay struct {
	pipeline  *Pipeline
	principal string
	groups    []string
	sessionID string

	clientSock   *net.UDPConn // client-facing, receives encapsulated datagrams
	upstreamSock *net.UDPConn // unconnected, shared across destinations

	mu    sync.Mutex
	flows map[string]*udpFlow // keyed by destination "ip:port"
	// clientAddr is the most recent client source endpoint; replies are
	// addressed to each flow's own client endpoint, not to this field
	clientAddr *net.UDPAddr

	pktSent, pktRecv     atomic.Uint64
	bytesSent, bytesRecv atomic.Uint64
	flushedPkts          atomic.Uint64
}

// handleUDPAssociate executes UDP ASSOCIATE: policy, socket setup, reply,
// then three coordinated loops (client-to-upstream, upstream-to-client, and
// the control-channel watch) plus the idle-flow reaper. Closing the TCP
// control channel terminates the association.
func (p *Pipeline) handleUDPAssociate(ctx context.Context, req *wire.Request, result auth.Result) {
	decision, err := p.evaluateACL(result, req.DstAddr, req.DstPort, acl.ProtoUDP)
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
		id := p.newSession(result, req, session.ProtocolUDP, decision)
		p.deps.Sessions.CloseSession(id, session.StatusFailed, "qos")
		return
	}
	defer guard.Release()

	listenIP := net.IPv4zero
	if local, ok := p.conn.LocalAddr().(*net.TCPAddr); ok && local.IP != nil {
		listenIP = local.IP
	}
	clientSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: listenIP, Port: 0})
	if err != nil {
		_ = wire.WriteReply(p.conn, wire.ReplyGeneralFailure, nil)
		return
	}
	defer clientSock.Close()

	upstreamSock, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		_ = wire.WriteReply(p.conn, wire.ReplyGeneralFailure, nil)
		return
	}
	defer upstreamSock.Close()

	bound, _ := clientSock.LocalAddr().(*net.UDPAddr)
	if err := wire.WriteReply(p.conn, wire.ReplySucceeded, &net.TCPAddr{IP: bound.IP, Port: bound.Port}); err != nil {
		return
	}

	id := p.newSession(result, req, session.ProtocolUDP, decision)

	r := &udpRelay{
		pipeline:     p,
		principal:    result.Principal,
		groups:       result.Groups,
		sessionID:    id,
		clientSock:   clientSock,
		upstreamSock: upstreamSock,
		flows:        make(map[string]*udpFlow),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.clientLoop(gctx) })
	g.Go(func() error { return r.upstreamLoop(gctx) })
	g.Go(func() error { return r.watchControl(gctx) })
	g.Go(func() error { return r.reaper(gctx) })

	err = g.Wait()
	r.drainTraffic()

	switch {
	case err == nil, errors.Is(err, errControlClosed), errors.Is(err, context.Canceled):
		p.deps.Sessions.CloseSession(id, session.StatusClosed, "eof")
	default:
		p.deps.Sessions.CloseSession(id, session.StatusFailed, err.Error())
	}
}

var errControlClosed = errors.New("udp: control channel closed")

// watchControl blocks on a one-byte read of the TCP control connection; any
// read result ends the association, per RFC 1928 association lifetime. The
// error it returns cancels the sibling loops through the errgroup context.
func (r *udpRelay) watchControl(ctx context.Context) error {
	buf := make([]byte, 1)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = r.pipeline.conn.SetReadDeadline(time.Now().Add(udpReadPoll))
		if _, err := r.pipeline.conn.Read(buf); err != nil {
			if isTimeout(err) {
				continue
			}
			return errControlClosed
		}
	}
}

// clientLoop reads encapsulated datagrams from the client, validates the
// frame, applies per-flow policy, and forwards the payload upstream.
func (r *udpRelay) clientLoop(ctx context.Context) error {
	p := r.pipeline
	buf := make([]byte, maxUDPPacket)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = r.clientSock.SetReadDeadline(time.Now().Add(udpReadPoll))
		n, from, err := r.clientSock.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		hdr, payload, err := wire.ParseUDPDatagram(buf[:n])
		if err != nil {
			// bad datagram, including FRAG != 0: drop it alone
			log.Debugf("udp datagram dropped from=%s: %v", from, err)
			continue
		}

		r.mu.Lock()
		r.clientAddr = from
		r.mu.Unlock()

		dsts, err := p.deps.Resolver.Resolve(ctx, hdr.DstAddr, hdr.DstPort)
		if err != nil {
			log.Debugf("udp resolve failed dst=%s: %v", hdr.DstAddr, err)
			continue
		}
		dst := &net.UDPAddr{IP: dsts[0].IP, Port: dsts[0].Port}

		if !r.flowAllowed(from, dst, hdr) {
			continue
		}

		granted := r.allocateWhole(ctx, len(payload))
		if !granted {
			continue
		}
		if _, err := r.upstreamSock.WriteToUDP(payload, dst); err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debugf("udp write upstream failed dst=%s: %v", dst, err)
			continue
		}
		p.deps.Qos.RecordAllocated(r.principal, dirSent, len(payload))
		r.bytesSent.Add(uint64(len(payload)))
		r.pktSent.Add(1)
		r.maybeFlushTraffic()
	}
}

// flowAllowed looks up or creates the flow entry for dst, evaluating the
// ACL once per new destination.
func (r *udpRelay) flowAllowed(client *net.UDPAddr, dst *net.UDPAddr, hdr *wire.UDPHeader) bool {
	key := dst.String()
	now := time.Now()

	r.mu.Lock()
	if f, ok := r.flows[key]; ok {
		f.client = client
		f.lastSeen = now
		r.mu.Unlock()
		return true
	}
	r.mu.Unlock()

	p := r.pipeline
	if p.deps.ACL != nil {
		d, err := p.evaluateACL(auth.Result{Principal: r.principal, Groups: r.groups}, hdr.DstAddr, hdr.DstPort, acl.ProtoUDP)
		if err != nil || d.Action == acl.Block {
			log.Debugf("udp flow blocked user=%q dst=%s", r.principal, key)
			return false
		}
	}

	r.mu.Lock()
	r.flows[key] = &udpFlow{client: client, lastSeen: now}
	r.mu.Unlock()
	return true
}

// allocateWhole reserves tokens for a whole datagram; partial grants are
// returned unused semantics-wise by simply dropping the datagram, since UDP
// payloads cannot be sliced.
func (r *udpRelay) allocateWhole(ctx context.Context, n int) bool {
	if n == 0 {
		return true
	}
	p := r.pipeline
	for {
		granted, wait := p.deps.Qos.Allocate(r.principal, n)
		if granted >= n {
			return true
		}
		if granted > 0 {
			// partial grant cannot carry a datagram; drop and let the
			// deducted tokens refill
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}
}

// upstreamLoop reads replies from destinations, matches them to a flow, and
// re-encapsulates them toward the client. The reply frame always carries
// the datagram source's address.
func (r *udpRelay) upstreamLoop(ctx context.Context) error {
	p := r.pipeline
	buf := make([]byte, maxUDPPacket)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = r.upstreamSock.SetReadDeadline(time.Now().Add(udpReadPoll))
		n, from, err := r.upstreamSock.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		key := from.String()
		r.mu.Lock()
		f, known := r.flows[key]
		var client *net.UDPAddr
		if known {
			f.lastSeen = time.Now()
			client = f.client
		}
		r.mu.Unlock()
		if !known {
			// datagram from a destination nobody sent to
			continue
		}

		if !r.allocateWhole(ctx, n) {
			continue
		}
		reply := wire.BuildUDPDatagram(wire.Address{IP: from.IP}, uint16(from.Port), buf[:n])
		if _, err := r.clientSock.WriteToUDP(reply, client); err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return ctx.Err()
			}
			log.Debugf("udp write client failed: %v", err)
			continue
		}
		p.deps.Qos.RecordAllocated(r.principal, dirReceived, n)
		r.bytesRecv.Add(uint64(n))
		r.pktRecv.Add(1)
		r.maybeFlushTraffic()
	}
}

// reaper evicts flows idle beyond the configured timeout.
func (r *udpRelay) reaper(ctx context.Context) error {
	idle := r.pipeline.cfg.UDPIdleTimeout
	ticker := time.NewTicker(idle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().Add(-idle)
			r.mu.Lock()
			for key, f := range r.flows {
				if f.lastSeen.Before(cutoff) {
					delete(r.flows, key)
				}
			}
			r.mu.Unlock()
		}
	}
}

// maybeFlushTraffic pushes accumulated counters to the session manager
// every trafficUpdatePacketInterval packets.
func (r *udpRelay) maybeFlushTraffic() {
	interval := uint64(r.pipeline.cfg.TrafficUpdatePacketInterval)
	total := r.pktSent.Load() + r.pktRecv.Load()
	if total-r.flushedPkts.Load() >= interval {
		r.drainTraffic()
	}
}

// drainTraffic reports the delta since the last flush.
func (r *udpRelay) drainTraffic() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sent := r.bytesSent.Swap(0)
	recv := r.bytesRecv.Swap(0)
	ps := r.pktSent.Swap(0)
	pr := r.pktRecv.Swap(0)
	r.flushedPkts.Store(0)
	if sent == 0 && recv == 0 && ps == 0 && pr == 0 {
		return
	}
	r.pipeline.deps.Sessions.UpdateTraffic(r.sessionID, sent, recv, ps, pr)
}
