package proxy

import (
	"errors"
	"net"
	"syscall"

	"github.com/mlkmbp/socks5gate/internal/wire"
)

// mapErrorToReply converts a resolve/dial error into the SOCKS5 reply code
// that best describes it.
func mapErrorToReply(err error) wire.ReplyCode {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return wire.ReplyHostUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return wire.ReplyConnRefused
	}
	if errors.Is(err, syscall.ENETUNREACH) {
		return wire.ReplyNetUnreachable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return wire.ReplyTTLExpired
		}
		if opErr.Op == "dial" {
			return wire.ReplyHostUnreachable
		}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return wire.ReplyTTLExpired
	}
	return wire.ReplyGeneralFailure
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
