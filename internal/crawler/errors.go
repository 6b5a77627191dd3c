package crawler

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// ErrorTag classifies err into a short label used by counters and metrics.
func ErrorTag(err error) string {
	var netErr net.Error
	var dnsErr *net.DNSError
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidRecord):
		return "invalid-record"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &dnsErr):
		return "dns"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection-refused"
	case errors.Is(err, syscall.ECONNRESET):
		return "connection-reset"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &netErr):
		return "network"
	default:
		return "error"
	}
}
