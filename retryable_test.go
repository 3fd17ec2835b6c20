package cedros

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindUnknown},
		{"canceled", fmt.Errorf("get: %w", context.Canceled), KindCanceled},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, KindNetwork},
		{"reset", syscall.ECONNRESET, KindNetwork},
		{"truncated", io.ErrUnexpectedEOF, KindNetwork},
		{"dns", &net.DNSError{Err: "no such host", Name: "pay.invalid"}, KindNetwork},
		{"wrapped", &TransportError{Kind: KindTimeout, Op: "quote", Err: errors.New("x")}, KindTimeout},
		{"other", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestNewTransportError(t *testing.T) {
	assert.Nil(t, NewTransportError("quote", nil))

	err := NewTransportError("quote", syscall.ECONNREFUSED)
	var te *TransportError
	assert.ErrorAs(t, err, &te)
	assert.Equal(t, KindNetwork, te.Kind)
	assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	assert.Equal(t, "quote network error: connection refused", err.Error())

	wrapped := fmt.Errorf("again: %w", err)
	assert.Equal(t, wrapped, NewTransportError("verify", wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))

	assert.True(t, IsRetryable(&PaymentError{Code: ErrCodeRPCError, Retryable: true}))
	assert.False(t, IsRetryable(&PaymentError{Code: ErrCodeInternalError, HTTPStatus: 503}))

	assert.True(t, IsRetryable(&StatusError{StatusCode: 429}))
	assert.True(t, IsRetryable(&StatusError{StatusCode: 502}))
	assert.False(t, IsRetryable(&StatusError{StatusCode: 404}))

	assert.True(t, IsRetryable(NewTransportError("quote", context.DeadlineExceeded)))
	assert.True(t, IsRetryable(syscall.ECONNRESET))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(errors.New("boom")))
}

func TestStatusErrorMessage(t *testing.T) {
	assert.Equal(t, "unexpected status 502", (&StatusError{StatusCode: 502}).Error())
	assert.Equal(t, "unexpected status 500: oops", (&StatusError{StatusCode: 500, Body: "oops"}).Error())
}
