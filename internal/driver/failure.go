package driver

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
)

// FailureType classifies why a proxied request failed. This core never
// retries, so the classification only drives which status code and log
// fields a failure gets.
type FailureType int

const (
	FailureNone FailureType = iota
	FailureTimeout
	FailureConnectionRefused
	FailureConnectionReset
	FailureUpstreamError
	FailureCancelled
)

func (f FailureType) String() string {
	switch f {
	case FailureTimeout:
		return "timeout"
	case FailureConnectionRefused:
		return "connection_refused"
	case FailureConnectionReset:
		return "connection_reset"
	case FailureUpstreamError:
		return "upstream_error"
	case FailureCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// classifyUpstreamError inspects an error returned by the Upstream
// collaborator and decides which FailureType it represents. A nil error
// classifies as FailureNone.
func classifyUpstreamError(err error) FailureType {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, context.Canceled) {
		return FailureCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return FailureTimeout
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		msg := netErr.Error()
		if strings.Contains(msg, "connection refused") {
			return FailureConnectionRefused
		}
		if strings.Contains(msg, "connection reset") {
			return FailureConnectionReset
		}
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") {
		return FailureConnectionRefused
	}
	if strings.Contains(msg, "connection reset") {
		return FailureConnectionReset
	}
	return FailureUpstreamError
}
