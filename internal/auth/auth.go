// Package auth defines the authenticator contract the connection pipeline
// consumes, plus the file-backed username/password implementation used by
// the default deployment.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/mlkmbp/socks5gate/internal/logx"
	"github.com/mlkmbp/socks5gate/internal/wire"
)

var log = logx.New(logx.WithPrefix("auth"))

// Result is the opaque outcome the pipeline carries: the authenticated
// principal and the free-form group list the ACL filters against its own
// declared groups.
type Result struct {
	Principal string
	Groups    []string
}

// Credentials is nil for no-auth and carries the RFC 1929 pair for UserPass.
type Credentials struct {
	Username string
	Password string
}

var (
	ErrBadCredentials = errors.New("invalid username or password")
	ErrLockedOut      = errors.New("too many failures, locked out")
	ErrMethodUnknown  = errors.New("unknown auth method")
)

// Authenticator resolves a greeting method plus optional credentials into a
// Result.
type Authenticator interface {
	// Methods lists the methods this authenticator serves, in server
	// preference order.
	Methods() []wire.AuthMethod

	// Authenticate validates one attempt. peer is the client's address
	// before any credential exchange; creds is nil for MethodNoAuth.
	Authenticate(ctx context.Context, method wire.AuthMethod, peer net.Addr, creds *Credentials) (Result, error)
}

// Anonymous admits every connection under an empty principal.
type Anonymous struct {
	// Groups optionally tags anonymous clients for policy purposes.
	Groups []string
}

func (a *Anonymous) Methods() []wire.AuthMethod { return []wire.AuthMethod{wire.MethodNoAuth} }

func (a *Anonymous) Authenticate(_ context.Context, method wire.AuthMethod, _ net.Addr, _ *Credentials) (Result, error) {
	if method != wire.MethodNoAuth {
		return Result{}, ErrMethodUnknown
	}
	return Result{Principal: "", Groups: a.Groups}, nil
}

// userEntry is one row of the users file.
type userEntry struct {
	Username       string   `yaml:"username"`
	PasswordBcrypt string   `yaml:"password_bcrypt"`
	Groups         []string `yaml:"groups"`
}

type usersDocument struct {
	Users []userEntry `yaml:"users"`
}

// UserPass authenticates RFC 1929 credentials against bcrypt hashes loaded
// from a YAML users file, with a bruteforce guard in front of the hash
// comparison.
type UserPass struct {
	users map[string]userEntry
	guard *Guard
}

// NewUserPass loads the users file. Duplicate usernames are a load error.
func NewUserPass(path string, guard *Guard) (*UserPass, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	var doc usersDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	users := make(map[string]userEntry, len(doc.Users))
	for _, u := range doc.Users {
		if u.Username == "" {
			return nil, fmt.Errorf("users file: entry with empty username")
		}
		if _, dup := users[u.Username]; dup {
			return nil, fmt.Errorf("users file: duplicate username %q", u.Username)
		}
		users[u.Username] = u
	}
	if guard == nil {
		guard = NewGuard(GuardConfig{})
	}
	return &UserPass{users: users, guard: guard}, nil
}

// NewUserPassStatic builds an authenticator from an in-memory table; used by
// tests and embedded deployments.
func NewUserPassStatic(entries map[string]string, groups map[string][]string, guard *Guard) *UserPass {
	users := make(map[string]userEntry, len(entries))
	for name, hash := range entries {
		users[name] = userEntry{Username: name, PasswordBcrypt: hash, Groups: groups[name]}
	}
	if guard == nil {
		guard = NewGuard(GuardConfig{})
	}
	return &UserPass{users: users, guard: guard}
}

func (a *UserPass) Methods() []wire.AuthMethod { return []wire.AuthMethod{wire.MethodUserPass} }

func (a *UserPass) Authenticate(_ context.Context, method wire.AuthMethod, peer net.Addr, creds *Credentials) (Result, error) {
	if method != wire.MethodUserPass || creds == nil {
		return Result{}, ErrMethodUnknown
	}
	ip := peerIP(peer)

	if ok, wait := a.guard.Allow(ip, creds.Username); !ok {
		log.Warnf("auth locked out ip=%s user=%q retry_after=%s", ip, creds.Username, wait)
		return Result{}, ErrLockedOut
	}

	u, ok := a.users[creds.Username]
	if !ok {
		a.guard.Fail(ip, creds.Username)
		return Result{}, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordBcrypt), []byte(creds.Password)); err != nil {
		a.guard.Fail(ip, creds.Username)
		log.Debugf("auth failed ip=%s user=%q", ip, creds.Username)
		return Result{}, ErrBadCredentials
	}

	a.guard.Success(ip, creds.Username)
	return Result{Principal: u.Username, Groups: u.Groups}, nil
}

// HashPassword produces a bcrypt hash suitable for the users file.
func HashPassword(plain string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func peerIP(peer net.Addr) string {
	if peer == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(peer.String())
	if err != nil {
		return peer.String()
	}
	return host
}

// Multi serves several methods at once, dispatching by the negotiated one.
type Multi struct {
	backends []Authenticator
}

func NewMulti(backends ...Authenticator) *Multi {
	return &Multi{backends: backends}
}

func (m *Multi) Methods() []wire.AuthMethod {
	var out []wire.AuthMethod
	for _, b := range m.backends {
		out = append(out, b.Methods()...)
	}
	return out
}

func (m *Multi) Authenticate(ctx context.Context, method wire.AuthMethod, peer net.Addr, creds *Credentials) (Result, error) {
	for _, b := range m.backends {
		for _, served := range b.Methods() {
			if served == method {
				return b.Authenticate(ctx, method, peer, creds)
			}
		}
	}
	return Result{}, ErrMethodUnknown
}
