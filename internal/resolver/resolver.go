// Package resolver maps a wire Address to an ordered candidate list of
// concrete socket addresses, IPv6 first.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/mlkmbp/socks5gate/internal/wire"
)

// Resolver resolves a wire.Address + port into an ordered list of dial
// targets, bounded by a configured timeout.
type Resolver struct {
	Timeout time.Duration
	lookup  func(ctx context.Context, host string) ([]net.IP, error)
}

func New(timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &Resolver{Timeout: timeout}
	r.lookup = func(ctx context.Context, host string) ([]net.IP, error) {
		return net.DefaultResolver.LookupIP(ctx, "ip", host)
	}
	return r
}

// NormalizeDomain lower-cases, strips a trailing dot, and IDNA-encodes a
// domain so ACL matching and DNS resolution see the same canonical form.
func NormalizeDomain(s string) (string, error) {
	s = strings.TrimSpace(strings.ToLower(strings.TrimSuffix(s, ".")))
	if s == "" {
		return "", fmt.Errorf("empty domain")
	}
	ascii, err := idna.ToASCII(s)
	if err != nil {
		return "", fmt.Errorf("idna encode %q: %w", s, err)
	}
	return ascii, nil
}

// Resolve returns candidate net.TCPAddr values in connect-attempt order.
func (r *Resolver) Resolve(ctx context.Context, addr wire.Address, port uint16) ([]*net.TCPAddr, error) {
	if addr.Domain == "" {
		return []*net.TCPAddr{{IP: addr.IP, Port: int(port)}}, nil
	}

	host, err := NormalizeDomain(addr.Domain)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	ips, err := r.lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}

	var v6, v4 []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}

	ordered := make([]*net.TCPAddr, 0, len(ips))
	for _, ip := range append(v6, v4...) {
		ordered = append(ordered, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return ordered, nil
}

// DialOrdered attempts each candidate in order via dialFn, returning the
// first successful connection. The caller supplies dialFn; the pipeline
// passes a plain dialer and runs DialOrdered as the pool's dial on a miss.
func DialOrdered(ctx context.Context, candidates []*net.TCPAddr, dialFn func(ctx context.Context, addr string) (net.Conn, error)) (net.Conn, error) {
	var lastErr error
	for _, c := range candidates {
		conn, err := dialFn(ctx, net.JoinHostPort(c.IP.String(), strconv.Itoa(c.Port)))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidates")
	}
	return nil, lastErr
}
