package cedros

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// requirementSchema describes the minimum shape of a PaymentRequirement.
const requirementSchema = `{
  "type": "object",
  "required": ["scheme", "network", "maxAmountRequired", "resource", "payTo", "asset", "maxTimeoutSeconds"],
  "properties": {
    "scheme":            {"type": "string", "minLength": 1},
    "network":           {"type": "string", "minLength": 1},
    "maxAmountRequired": {"type": "string", "minLength": 1},
    "resource":          {"type": "string", "minLength": 1},
    "payTo":             {"type": "string", "minLength": 1},
    "asset":             {"type": "string", "minLength": 1},
    "maxTimeoutSeconds": {"type": "integer", "minimum": 1},
    "extra": {
      "type": "object",
      "properties": {
        "memo":                  {"type": "string"},
        "feePayer":              {"type": "string"},
        "recipientTokenAccount": {"type": "string"},
        "decimals":              {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var requirementSchemaLoader = gojsonschema.NewStringLoader(requirementSchema)

// ValidateRequirementJSON checks raw requirement JSON against the requirement
// schema before it is decoded.
func ValidateRequirementJSON(raw []byte) error {
	result, err := gojsonschema.Validate(requirementSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &PaymentError{
			Code:    ErrCodeInvalidRequirement,
			Message: fmt.Sprintf("payment requirement is not valid JSON: %v", err),
		}
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return &PaymentError{
		Code:    ErrCodeInvalidRequirement,
		Message: "invalid payment requirement: " + strings.Join(problems, "; "),
		Details: map[string]interface{}{"errors": problems},
	}
}

// ValidateRequirement performs structural validation on a decoded requirement.
func ValidateRequirement(r PaymentRequirement) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal payment requirement: %w", err)
	}
	if err := ValidateRequirementJSON(raw); err != nil {
		return err
	}
	if _, err := ParseAmount(r.MaxAmountRequired); err != nil {
		return &PaymentError{
			Code:    ErrCodeInvalidAmount,
			Message: fmt.Sprintf("invalid maxAmountRequired %q: %v", r.MaxAmountRequired, err),
		}
	}
	return nil
}

// ParseAmount parses an atomic-unit decimal string such as "1500000".
func ParseAmount(amount string) (uint64, error) {
	if amount == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	v, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount must be a non-negative integer: %w", err)
	}
	return v, nil
}

// ValidatePaymentPayload performs basic validation on a locally built payload.
func ValidatePaymentPayload(p PaymentPayload) error {
	if p.X402Version != X402Version {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if p.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if p.Payload.Transaction == "" {
		return fmt.Errorf("payment transaction is required")
	}
	if p.Payload.Resource == "" {
		return fmt.Errorf("payment resource is required")
	}
	return nil
}
