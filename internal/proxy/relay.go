package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/mlkmbp/socks5gate/internal/session"
)

// trafficDir labels a relay direction for accounting: sent is client to
// upstream, received is upstream to client.
const (
	dirSent     = "sent"
	dirReceived = "received"
)

// copyDirection pumps one relay direction: read a bounded chunk, reserve QoS
// tokens until the whole chunk is granted (sleeping as instructed), write,
// and push counter deltas to the session manager every
// trafficUpdatePacketInterval flushes. The remaining delta is drained before
// returning on EOF or error.
func (p *Pipeline) copyDirection(ctx context.Context, dst net.Conn, src net.Conn, principal, sessionID, direction string) error {
	buf := make([]byte, p.cfg.RelayBufferSize)
	var deltaBytes, deltaPkts uint64
	flushes := 0

	drain := func() {
		if deltaPkts == 0 {
			return
		}
		if direction == dirSent {
			p.deps.Sessions.UpdateTraffic(sessionID, deltaBytes, 0, deltaPkts, 0)
		} else {
			p.deps.Sessions.UpdateTraffic(sessionID, 0, deltaBytes, 0, deltaPkts)
		}
		deltaBytes, deltaPkts = 0, 0
		flushes = 0
	}
	defer drain()

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			off := 0
			for off < n {
				granted, wait := p.deps.Qos.Allocate(principal, n-off)
				if granted == 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(wait):
					}
					continue
				}
				if _, werr := dst.Write(buf[off : off+granted]); werr != nil {
					return werr
				}
				p.deps.Qos.RecordAllocated(principal, direction, granted)
				off += granted
			}
			deltaBytes += uint64(n)
			deltaPkts++
			flushes++
			if flushes >= p.cfg.TrafficUpdatePacketInterval {
				drain()
			}
		}
		if rerr != nil {
			return rerr
		}
	}
}

// relayOutcome summarizes how a relay ended and what to do with the
// upstream connection.
type relayOutcome struct {
	status  session.Status
	reason  string
	release bool // upstream still healthy, eligible for pool return
}

// relayTCP runs both directions until one terminates, then unblocks and
// collects the other, closes the client, and reports whether the upstream
// may be returned to the pool. A cancelled ctx closes both ends.
func (p *Pipeline) relayTCP(ctx context.Context, client, upstream net.Conn, principal, sessionID string) relayOutcome {
	c2u := make(chan error, 1)
	u2c := make(chan error, 1)

	relayDone := make(chan struct{})
	defer close(relayDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Close()
			_ = upstream.Close()
		case <-relayDone:
		}
	}()

	go func() { c2u <- p.copyDirection(ctx, upstream, client, principal, sessionID, dirSent) }()
	go func() { u2c <- p.copyDirection(ctx, client, upstream, principal, sessionID, dirReceived) }()

	var out relayOutcome
	select {
	case err := <-c2u:
		// Client side terminated first. If it was a clean EOF the
		// upstream may still be healthy: unblock the reader with an
		// immediate deadline and reclaim the socket for the pool.
		if errors.Is(err, io.EOF) {
			_ = upstream.SetReadDeadline(time.Now())
			uerr := <-u2c
			_ = upstream.SetReadDeadline(time.Time{})
			out.status, out.reason = session.StatusClosed, "eof"
			out.release = isTimeout(uerr)
			if !out.release {
				_ = upstream.Close()
			}
		} else {
			_ = upstream.Close()
			<-u2c
			out.status, out.reason = classifyRelayErr(err)
		}
	case err := <-u2c:
		// Upstream terminated first; unblock the client reader and
		// close both ends.
		_ = client.SetReadDeadline(time.Now())
		<-c2u
		_ = client.SetReadDeadline(time.Time{})
		_ = upstream.Close()
		out.status, out.reason = classifyRelayErr(err)
	}
	_ = client.Close()
	if ctx.Err() != nil {
		out.status, out.reason, out.release = session.StatusClosed, "shutdown", false
	}
	return out
}

func classifyRelayErr(err error) (session.Status, string) {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return session.StatusClosed, "eof"
	case isTimeout(err):
		return session.StatusClosed, "timeout"
	case errors.Is(err, net.ErrClosed), errors.Is(err, context.Canceled):
		return session.StatusClosed, "shutdown"
	default:
		return session.StatusFailed, err.Error()
	}
}
