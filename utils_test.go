package cedros

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequirement() PaymentRequirement {
	decimals := 6
	return PaymentRequirement{
		Scheme:            "exact",
		Network:           "devnet",
		MaxAmountRequired: "1000000",
		Resource:          "article-1",
		PayTo:             "MerchantWa11et11111111111111111111111111111",
		Asset:             "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
		MaxTimeoutSeconds: 300,
		Extra:             RequirementExtra{Memo: "m", Decimals: &decimals},
	}
}

func TestValidateRequirement(t *testing.T) {
	require.NoError(t, ValidateRequirement(validRequirement()))

	tests := []struct {
		name   string
		mutate func(*PaymentRequirement)
		code   ErrorCode
	}{
		{"missing payTo", func(r *PaymentRequirement) { r.PayTo = "" }, ErrCodeInvalidRequirement},
		{"zero timeout", func(r *PaymentRequirement) { r.MaxTimeoutSeconds = 0 }, ErrCodeInvalidRequirement},
		{"negative decimals", func(r *PaymentRequirement) { d := -1; r.Extra.Decimals = &d }, ErrCodeInvalidRequirement},
		{"fractional amount", func(r *PaymentRequirement) { r.MaxAmountRequired = "1.5" }, ErrCodeInvalidAmount},
		{"negative amount", func(r *PaymentRequirement) { r.MaxAmountRequired = "-5" }, ErrCodeInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequirement()
			tt.mutate(&r)
			err := ValidateRequirement(r)
			pe, ok := AsPaymentError(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.code, pe.Code)
		})
	}
}

func TestValidateRequirementJSON(t *testing.T) {
	err := ValidateRequirementJSON([]byte(`{"scheme":"exact"}`))
	pe, ok := AsPaymentError(err)
	require.True(t, ok)
	assert.Equal(t, ErrCodeInvalidRequirement, pe.Code)
	assert.Contains(t, pe.Message, "payTo")

	err = ValidateRequirementJSON([]byte(`not json`))
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount("1500000")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000), v)

	v, err = ParseAmount("0")
	require.NoError(t, err)
	assert.Zero(t, v)

	for _, bad := range []string{"", "1.5", "-1", "abc", "18446744073709551616"} {
		_, err := ParseAmount(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidatePaymentPayload(t *testing.T) {
	p := PaymentPayload{
		X402Version: X402Version,
		Scheme:      "exact",
		Network:     "devnet",
		Payload:     PayloadData{Signature: "sig", Transaction: "dHg=", Resource: "article-1"},
	}
	require.NoError(t, ValidatePaymentPayload(p))

	bad := p
	bad.X402Version = 2
	assert.ErrorContains(t, ValidatePaymentPayload(bad), "unsupported x402 version")

	bad = p
	bad.Payload.Transaction = ""
	assert.ErrorContains(t, ValidatePaymentPayload(bad), "transaction is required")

	bad = p
	bad.Payload.Resource = ""
	assert.ErrorContains(t, ValidatePaymentPayload(bad), "resource is required")
}
