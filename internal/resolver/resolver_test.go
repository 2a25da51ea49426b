package resolver

import (
	"context"
	"net"
	"testing"

	"github.com/mlkmbp/socks5gate/internal/wire"
)

func TestResolveLiteralIsSingleton(t *testing.T) {
	r := New(0)
	out, err := r.Resolve(context.Background(), wire.Address{IP: net.IPv4(1, 2, 3, 4)}, 80)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(out) != 1 || out[0].Port != 80 {
		t.Fatalf("unexpected literal resolution: %+v", out)
	}
}

func TestResolveDomainOrdersIPv6First(t *testing.T) {
	r := New(0)
	r.lookup = func(ctx context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.IPv4(5, 6, 7, 8), net.ParseIP("2001:db8::1")}, nil
	}
	out, err := r.Resolve(context.Background(), wire.Address{Domain: "Example.COM."}, 443)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(out) != 2 || out[0].IP.To4() != nil {
		t.Fatalf("expected ipv6 first, got %+v", out)
	}
}

func TestNormalizeDomainTrimsAndLowercases(t *testing.T) {
	got, err := NormalizeDomain("Foo.EXAMPLE.com.")
	if err != nil {
		t.Fatalf("NormalizeDomain: %v", err)
	}
	if got != "foo.example.com" {
		t.Fatalf("got %q", got)
	}
}

func TestDialOrderedStopsAtFirstSuccess(t *testing.T) {
	candidates := []*net.TCPAddr{{IP: net.IPv4(1, 1, 1, 1), Port: 80}, {IP: net.IPv4(2, 2, 2, 2), Port: 80}}
	var attempts []string
	conn, err := DialOrdered(context.Background(), candidates, func(ctx context.Context, addr string) (net.Conn, error) {
		attempts = append(attempts, addr)
		if addr == "1.1.1.1:80" {
			return nil, context.DeadlineExceeded
		}
		return &net.TCPConn{}, nil
	})
	if err != nil {
		t.Fatalf("DialOrdered: %v", err)
	}
	if conn == nil || len(attempts) != 2 {
		t.Fatalf("expected both candidates attempted, got %v", attempts)
	}
}
