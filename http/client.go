package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	cedros "github.com/cedros-pay/cedros-go"
)

// ============================================================================
// Header Encoding/Decoding
// ============================================================================

// EncodePaymentHeader encodes a payment payload for the X-PAYMENT header.
func EncodePaymentHeader(payload cedros.PaymentPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentHeader is the strict inverse of EncodePaymentHeader.
func DecodePaymentHeader(header string) (cedros.PaymentPayload, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return cedros.PaymentPayload{}, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	var payload cedros.PaymentPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return cedros.PaymentPayload{}, fmt.Errorf("invalid payment payload JSON: %w", err)
	}
	return payload, nil
}

// EncodeSettlementHeader encodes a settlement for the X-PAYMENT-RESPONSE header.
func EncodeSettlementHeader(settlement cedros.SettlementResult) (string, error) {
	fields := make(map[string]interface{}, len(settlement.Raw)+4)
	for k, v := range settlement.Raw {
		fields[k] = v
	}
	fields["success"] = settlement.Success
	if settlement.Error != "" {
		fields["error"] = settlement.Error
	}
	if settlement.TxHash != "" {
		fields["txHash"] = settlement.TxHash
	}
	if settlement.NetworkID != "" {
		fields["networkId"] = settlement.NetworkID
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("failed to marshal settlement: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeSettlementHeader decodes an X-PAYMENT-RESPONSE value. The decoded
// JSON must carry a boolean "success" field.
func DecodeSettlementHeader(header string) (*cedros.SettlementResult, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid settlement JSON: %w", err)
	}

	success, ok := raw["success"].(bool)
	if !ok {
		return nil, fmt.Errorf("settlement is missing boolean success field")
	}

	result := &cedros.SettlementResult{Success: success, Raw: raw}
	result.Error, _ = raw["error"].(string)
	result.TxHash, _ = raw["txHash"].(string)
	result.NetworkID, _ = raw["networkId"].(string)
	return result, nil
}

// SettlementFromHeader reads the settlement header from h. It returns nil
// with no error when the header is absent.
func SettlementFromHeader(h http.Header) (*cedros.SettlementResult, error) {
	value := h.Get(cedros.HeaderPaymentResponse)
	if value == "" {
		return nil, nil
	}
	return DecodeSettlementHeader(value)
}

// ============================================================================
// Error Bodies
// ============================================================================

type errorEnvelope struct {
	Error     json.RawMessage `json:"error"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Retryable *bool           `json:"retryable,omitempty"`
}

type errorObject struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable *bool                  `json:"retryable,omitempty"`
}

// ParseErrorResponse converts a non-2xx response body into a PaymentError.
// Accepted shapes are {"error":{code,message,details,retryable}} and
// {"error":"message","code":"..."}. A retryable flag sent by the server
// wins over the status-based default.
func ParseErrorResponse(status int, body []byte) *cedros.PaymentError {
	pe := &cedros.PaymentError{
		Code:       codeForStatus(status),
		Message:    fmt.Sprintf("request failed with status %d", status),
		Retryable:  cedros.IsRetryableStatus(status),
		HTTPStatus: status,
	}

	var env errorEnvelope
	if len(body) == 0 || json.Unmarshal(body, &env) != nil {
		if text := strings.TrimSpace(string(body)); text != "" && len(text) < 512 {
			pe.Message = text
		}
		return pe
	}

	var obj errorObject
	var msg string
	switch {
	case len(env.Error) > 0 && env.Error[0] == '{':
		if err := json.Unmarshal(env.Error, &obj); err == nil {
			if obj.Code != "" {
				pe.Code = cedros.ErrorCode(obj.Code)
			}
			if obj.Message != "" {
				pe.Message = obj.Message
			}
			pe.Details = obj.Details
			if obj.Retryable != nil {
				pe.Retryable = *obj.Retryable
			}
		}
	case len(env.Error) > 0 && json.Unmarshal(env.Error, &msg) == nil && msg != "":
		pe.Message = msg
	case env.Message != "":
		pe.Message = env.Message
	}

	if env.Code != "" {
		pe.Code = cedros.ErrorCode(env.Code)
	}
	if env.Retryable != nil {
		pe.Retryable = *env.Retryable
	}
	return pe
}

func codeForStatus(status int) cedros.ErrorCode {
	switch {
	case status == http.StatusBadRequest:
		return cedros.ErrCodeInvalidField
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return cedros.ErrCodeUnauthorized
	case status == http.StatusNotFound:
		return cedros.ErrCodeResourceNotFound
	case status == http.StatusTooManyRequests:
		return cedros.ErrCodeRateLimitExceeded
	case status == http.StatusServiceUnavailable:
		return cedros.ErrCodeServiceUnavailable
	case status >= 500:
		return cedros.ErrCodeInternalError
	default:
		return cedros.ErrCodeNetworkError
	}
}
