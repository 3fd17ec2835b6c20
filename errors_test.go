package cedros

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserErrorMessage(t *testing.T) {
	msg := UserErrorMessage(ErrCodeServiceUnavailable)
	assert.Equal(t, "Service temporarily unavailable.", msg.Message)
	assert.Equal(t, "Circuit breaker open", msg.TechnicalHint)

	assert.Equal(t, genericErrorMessage, UserErrorMessage("something_new"))
	assert.Equal(t, genericErrorMessage, UserErrorMessage(""))
}

func TestEveryErrorCodeHasAMessage(t *testing.T) {
	for code, msg := range errorMessages {
		assert.NotEmpty(t, msg.Message, code)
		assert.NotEmpty(t, msg.Action, code)
	}
}

func TestAsPaymentError(t *testing.T) {
	pe := NewPaymentError(ErrCodeInvalidCoupon, "bad coupon", nil)
	assert.Equal(t, "invalid_coupon: bad coupon", pe.Error())
	assert.False(t, pe.Retryable)
	assert.Equal(t, UserErrorMessage(ErrCodeInvalidCoupon), pe.UserMessage())

	got, ok := AsPaymentError(fmt.Errorf("quote failed: %w", pe))
	require.True(t, ok)
	assert.Same(t, pe, got)

	_, ok = AsPaymentError(fmt.Errorf("plain"))
	assert.False(t, ok)
	_, ok = AsPaymentError(nil)
	assert.False(t, ok)
}
