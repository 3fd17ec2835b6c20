package http

import (
	"encoding/base64"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cedros "github.com/cedros-pay/cedros-go"
)

func testPayload() cedros.PaymentPayload {
	return cedros.PaymentPayload{
		X402Version: cedros.X402Version,
		Scheme:      "solana-spl-transfer",
		Network:     "devnet",
		Payload: cedros.PayloadData{
			Signature:    "5sig",
			Transaction:  "AQID",
			Payer:        "Payer1111",
			Resource:     "article-1",
			ResourceType: cedros.ResourceTypeRegular,
			Metadata:     map[string]string{"ref": "abc"},
		},
	}
}

func TestPaymentHeaderRoundTrip(t *testing.T) {
	payload := testPayload()

	header, err := EncodePaymentHeader(payload)
	require.NoError(t, err)

	decoded, err := DecodePaymentHeader(header)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodePaymentHeaderIsStrict(t *testing.T) {
	header, err := EncodePaymentHeader(testPayload())
	require.NoError(t, err)

	_, err = DecodePaymentHeader(" " + header)
	assert.Error(t, err)

	_, err = DecodePaymentHeader(base64.StdEncoding.EncodeToString([]byte("not json")))
	assert.Error(t, err)

	_, err = DecodePaymentHeader(base64.RawURLEncoding.EncodeToString([]byte(`{"x402Version":1}`)))
	assert.Error(t, err)
}

func TestDecodeSettlementHeader(t *testing.T) {
	encoded, err := EncodeSettlementHeader(cedros.SettlementResult{
		Success:   true,
		TxHash:    "tx123",
		NetworkID: "devnet",
		Raw:       map[string]interface{}{"payer": "Payer1111"},
	})
	require.NoError(t, err)

	settlement, err := DecodeSettlementHeader(encoded)
	require.NoError(t, err)
	assert.True(t, settlement.Success)
	assert.Equal(t, "tx123", settlement.TxHash)
	assert.Equal(t, "devnet", settlement.NetworkID)
	assert.Equal(t, "Payer1111", settlement.Raw["payer"])
}

func TestDecodeSettlementHeaderRequiresSuccess(t *testing.T) {
	_, err := DecodeSettlementHeader(base64.StdEncoding.EncodeToString([]byte(`{"txHash":"x"}`)))
	assert.Error(t, err)

	_, err = DecodeSettlementHeader(base64.StdEncoding.EncodeToString([]byte(`{"success":"yes"}`)))
	assert.Error(t, err)

	_, err = DecodeSettlementHeader("%%%")
	assert.Error(t, err)
}

func TestSettlementFromHeaderAbsent(t *testing.T) {
	settlement, err := SettlementFromHeader(http.Header{})
	assert.NoError(t, err)
	assert.Nil(t, settlement)
}

func TestParseErrorResponse(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      cedros.ErrorCode
		message   string
		retryable bool
	}{
		{
			name:      "structured error",
			status:    http.StatusBadRequest,
			body:      `{"error":{"code":"invalid_signature","message":"bad sig","details":{"field":"signature"}}}`,
			code:      cedros.ErrCodeInvalidSignature,
			message:   "bad sig",
			retryable: false,
		},
		{
			name:      "server marks 400 retryable",
			status:    http.StatusBadRequest,
			body:      `{"error":{"code":"transaction_not_confirmed","message":"pending","retryable":true}}`,
			code:      cedros.ErrCodeTransactionNotConfirmed,
			message:   "pending",
			retryable: true,
		},
		{
			name:      "server marks 503 final",
			status:    http.StatusServiceUnavailable,
			body:      `{"error":{"code":"stripe_error","message":"down","retryable":false}}`,
			code:      cedros.ErrCodeStripeError,
			message:   "down",
			retryable: false,
		},
		{
			name:      "string error with code",
			status:    http.StatusNotFound,
			body:      `{"error":"no such cart","code":"cart_not_found"}`,
			code:      cedros.ErrCodeCartNotFound,
			message:   "no such cart",
			retryable: false,
		},
		{
			name:      "plain text 502",
			status:    http.StatusBadGateway,
			body:      "upstream failed",
			code:      cedros.ErrCodeInternalError,
			message:   "upstream failed",
			retryable: true,
		},
		{
			name:      "empty 429",
			status:    http.StatusTooManyRequests,
			code:      cedros.ErrCodeRateLimitExceeded,
			message:   "request failed with status 429",
			retryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe := ParseErrorResponse(tt.status, []byte(tt.body))
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.message, pe.Message)
			assert.Equal(t, tt.retryable, pe.Retryable)
			assert.Equal(t, tt.status, pe.HTTPStatus)
		})
	}
}
