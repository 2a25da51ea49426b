package auth

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mlkmbp/socks5gate/internal/wire"
)

func testPeer() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 50000}
}

func newTestUserPass(t *testing.T) *UserPass {
	t.Helper()
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return NewUserPassStatic(
		map[string]string{"alice": hash},
		map[string][]string{"alice": {"developers", "ops"}},
		NewGuard(GuardConfig{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}),
	)
}

func TestUserPassSuccess(t *testing.T) {
	a := newTestUserPass(t)
	res, err := a.Authenticate(context.Background(), wire.MethodUserPass, testPeer(), &Credentials{Username: "alice", Password: "s3cret"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if res.Principal != "alice" || len(res.Groups) != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestUserPassWrongPassword(t *testing.T) {
	a := newTestUserPass(t)
	_, err := a.Authenticate(context.Background(), wire.MethodUserPass, testPeer(), &Credentials{Username: "alice", Password: "nope"})
	if !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
}

func TestUserPassUnknownUser(t *testing.T) {
	a := newTestUserPass(t)
	_, err := a.Authenticate(context.Background(), wire.MethodUserPass, testPeer(), &Credentials{Username: "nobody", Password: "x"})
	if !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("expected ErrBadCredentials, got %v", err)
	}
}

func TestGuardLocksOutAfterFailure(t *testing.T) {
	a := newTestUserPass(t)
	peer := testPeer()

	// one failure installs a backoff window
	_, _ = a.Authenticate(context.Background(), wire.MethodUserPass, peer, &Credentials{Username: "alice", Password: "wrong"})
	_, err := a.Authenticate(context.Background(), wire.MethodUserPass, peer, &Credentials{Username: "alice", Password: "s3cret"})
	if !errors.Is(err, ErrLockedOut) {
		t.Fatalf("expected lockout during backoff, got %v", err)
	}

	time.Sleep(15 * time.Millisecond)
	if _, err := a.Authenticate(context.Background(), wire.MethodUserPass, peer, &Credentials{Username: "alice", Password: "s3cret"}); err != nil {
		t.Fatalf("expected success after backoff, got %v", err)
	}
}

func TestGuardSuccessClearsUserCounters(t *testing.T) {
	g := NewGuard(GuardConfig{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	g.Fail("192.0.2.1", "alice")
	g.Success("192.0.2.1", "alice")
	if ok, _ := g.Allow("192.0.2.9", "alice"); !ok {
		t.Fatal("success must clear the user-scoped counter")
	}
}

func TestGuardCooldownAtThreshold(t *testing.T) {
	g := NewGuard(GuardConfig{MaxFails: 3, Cooldown: time.Hour, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
	for i := 0; i < 3; i++ {
		g.Fail("192.0.2.1", "bob")
	}
	ok, wait := g.Allow("192.0.2.1", "bob")
	if ok {
		t.Fatal("threshold must trigger a cooldown lock")
	}
	if wait < 30*time.Minute {
		t.Fatalf("expected a long cooldown, got %s", wait)
	}
}

func TestAnonymous(t *testing.T) {
	a := &Anonymous{}
	res, err := a.Authenticate(context.Background(), wire.MethodNoAuth, testPeer(), nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if res.Principal != "" {
		t.Fatalf("anonymous principal must be empty, got %q", res.Principal)
	}
}

func TestMultiDispatchesByMethod(t *testing.T) {
	up := newTestUserPass(t)
	m := NewMulti(&Anonymous{}, up)

	methods := m.Methods()
	if len(methods) != 2 || methods[0] != wire.MethodNoAuth || methods[1] != wire.MethodUserPass {
		t.Fatalf("unexpected methods: %v", methods)
	}

	if _, err := m.Authenticate(context.Background(), wire.MethodNoAuth, testPeer(), nil); err != nil {
		t.Fatalf("noauth dispatch: %v", err)
	}
	res, err := m.Authenticate(context.Background(), wire.MethodUserPass, testPeer(), &Credentials{Username: "alice", Password: "s3cret"})
	if err != nil || res.Principal != "alice" {
		t.Fatalf("userpass dispatch: %v %+v", err, res)
	}
	if _, err := m.Authenticate(context.Background(), wire.AuthMethod(0x05), testPeer(), nil); !errors.Is(err, ErrMethodUnknown) {
		t.Fatalf("expected ErrMethodUnknown, got %v", err)
	}
}
