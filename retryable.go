package cedros

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrorKind classifies failures at the transport boundary.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindNetwork covers refused/reset connections, DNS failures and truncated responses.
	KindNetwork
	// KindTimeout covers per-request deadlines and dial timeouts.
	KindTimeout
	// KindCanceled means the caller cancelled the request.
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// TransportError wraps an error raised before an HTTP response was obtained.
type TransportError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewTransportError classifies err and wraps it. Returns nil for a nil error.
func NewTransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	return &TransportError{Kind: ClassifyError(err), Op: op, Err: err}
}

// ClassifyError maps a raw transport error to an ErrorKind.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return KindNetwork
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}

	return KindUnknown
}

// IsRetryable is the default retry predicate: an explicit retryable flag on a
// PaymentError wins, then HTTP 429/5xx, then network and timeout transport
// failures. Everything else, including caller cancellation, is final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if pe, ok := AsPaymentError(err); ok {
		return pe.Retryable
	}

	var se *StatusError
	if errors.As(err, &se) {
		return IsRetryableStatus(se.StatusCode)
	}

	switch ClassifyError(err) {
	case KindNetwork, KindTimeout:
		return true
	}
	return false
}

// IsRetryableStatus reports whether an HTTP status is worth retrying.
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// StatusError reports an unexpected HTTP status with no structured error body.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}
