package resilience

import (
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"syscall"
)

// TransientError marks a failure worth retrying. StatusCode is the HTTP
// status behind it, or zero.
type TransientError struct {
	Err        error
	StatusCode int
}

// NewTransientError marks err as transient.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

var transientErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
	syscall.EINTR,
	syscall.EAGAIN,
	syscall.EBUSY,
}

// transientText covers failures the HTTP and FTP clients only report as
// text.
var transientText = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"421 ", // FTP: service not available
}

var transientStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// IsTransient reports whether err, or anything it wraps, is a
// TransientError, a network timeout, a retryable errno or a known
// transient client message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return slices.ContainsFunc(transientText, func(s string) bool {
		return strings.Contains(msg, s)
	})
}

// IsTransientHTTPStatus reports whether a response status is worth a retry.
func IsTransientHTTPStatus(statusCode int) bool {
	return slices.Contains(transientStatuses, statusCode)
}
